// Package tts turns translated text into speech audio.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/orbit/internal/config"
)

// ErrSynthesisUnavailable means no audio could be produced for a request.
// Callers deliver the text without audio.
var ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")

const (
	FormatWAV   = "wav"
	FormatPCM16 = "pcm16"
)

// Audio is one synthesized utterance. PCM16 data is little-endian and
// interleaved when Channels > 1.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	case "cartesia":
		return NewCartesia(cfg.APIKey, cfg.Voice,
			WithCartesiaEndpoint(cfg.Endpoint),
			WithCartesiaModel(cfg.Model),
			WithCartesiaSampleRate(cfg.SampleRate)), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
