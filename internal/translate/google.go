package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
)

const defaultGoogleEndpoint = "https://translation.googleapis.com/language/translate/v2"

type googleTranslator struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

type GoogleOption func(*googleTranslator)

func WithGoogleEndpoint(endpoint string) GoogleOption {
	return func(g *googleTranslator) {
		if endpoint != "" {
			g.endpoint = endpoint
		}
	}
}

// NewGoogle uses the Cloud Translation v2 REST API.
func NewGoogle(apiKey string, opts ...GoogleOption) Translator {
	g := &googleTranslator{apiKey: apiKey, endpoint: defaultGoogleEndpoint, client: http.DefaultClient}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type googleRequest struct {
	Q      string `json:"q"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type googleResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *googleTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	body, err := json.Marshal(googleRequest{Q: text, Target: target, Format: "text"})
	if err != nil {
		return "", err
	}
	u := g.endpoint + "?key=" + url.QueryEscape(g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response (status %s): %v", ErrConnection, resp.Status, err)
	}
	if resp.StatusCode >= 300 {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("%w: google translate: %s", ErrConnection, msg)
	}
	if len(decoded.Data.Translations) == 0 {
		return "", fmt.Errorf("%w: no translations returned", ErrConnection)
	}
	return strings.TrimSpace(html.UnescapeString(decoded.Data.Translations[0].TranslatedText)), nil
}
