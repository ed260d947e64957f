package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	defaultCartesiaEndpoint = "https://api.cartesia.ai/tts/bytes"
	defaultCartesiaModel    = "sonic-2"
	cartesiaVersion         = "2025-04-16"
)

type cartesiaSynth struct {
	apiKey     string
	voice      string
	endpoint   string
	model      string
	sampleRate int
	client     *http.Client
}

type CartesiaOption func(*cartesiaSynth)

func WithCartesiaEndpoint(endpoint string) CartesiaOption {
	return func(c *cartesiaSynth) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func WithCartesiaModel(model string) CartesiaOption {
	return func(c *cartesiaSynth) {
		if model != "" {
			c.model = model
		}
	}
}

func WithCartesiaSampleRate(rate int) CartesiaOption {
	return func(c *cartesiaSynth) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// NewCartesia synthesizes WAV audio through the Cartesia bytes endpoint.
func NewCartesia(apiKey, voice string, opts ...CartesiaOption) Synthesizer {
	c := &cartesiaSynth{
		apiKey:     apiKey,
		voice:      voice,
		endpoint:   defaultCartesiaEndpoint,
		model:      defaultCartesiaModel,
		sampleRate: 24000,
		client:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

func (c *cartesiaSynth) Synthesize(ctx context.Context, text string) (Audio, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.model,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
	})
	if err != nil {
		return Audio{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: read response: %v", ErrSynthesisUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return Audio{}, fmt.Errorf("%w: cartesia returned %s: %s", ErrSynthesisUnavailable, resp.Status, bytes.TrimSpace(data))
	}
	if len(data) == 0 {
		return Audio{}, ErrSynthesisUnavailable
	}
	return Audio{Data: data, Format: FormatWAV, SampleRate: c.sampleRate, Channels: 1}, nil
}
