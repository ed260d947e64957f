// Package translate converts recognized text into a target language.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/orbit/internal/config"
)

// ErrConnection marks a translation backend that could not be reached or
// returned an unusable response.
var ErrConnection = errors.New("translation backend error")

type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// New builds the translator selected by cfg.Mode.
func New(cfg config.TranslateConfig) (Translator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(), nil
	case "ollama":
		return NewOllama(cfg.Endpoint, cfg.Model, cfg.Temperature), nil
	case "google":
		return NewGoogle(cfg.APIKey, WithGoogleEndpoint(cfg.Endpoint)), nil
	case "exec":
		return NewExec(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported translate mode %q", cfg.Mode)
	}
}

// SkipTarget reports whether translating into target is pointless: no target,
// automatic mode, or the source language itself.
func SkipTarget(target, source string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" || target == "auto" {
		return true
	}
	return source != "" && strings.EqualFold(baseLanguage(target), baseLanguage(source))
}

func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
