package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2:latest"
)

type ollamaTranslator struct {
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
}

// NewOllama translates with a local Ollama model through /api/generate.
func NewOllama(endpoint, model string, temperature float64) Translator {
	if model == "" {
		model = defaultOllamaModel
	}
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &ollamaTranslator{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		client:      http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func systemPrompt(target string) string {
	return "You are a simultaneous interpreter. Translate the user's text into " + target +
		". Reply with the translation only, without quotes or commentary."
}

func (o *ollamaTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	payload := ollamaRequest{
		Model:   o.model,
		Prompt:  text,
		System:  systemPrompt(target),
		Stream:  true,
		Options: ollamaOptions{Temperature: o.temperature},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: ollama returned status %s", ErrConnection, resp.Status)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("%w: decode ollama chunk: %v", ErrConnection, err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrConnection, chunk.Error)
		}
		out.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnection, err)
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return "", fmt.Errorf("%w: empty translation", ErrConnection)
	}
	return result, nil
}
