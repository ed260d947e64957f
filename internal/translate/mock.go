package translate

import (
	"context"
	"time"
)

type mockTranslator struct {
	delay time.Duration
}

// NewMock returns a translator that tags text with the target language.
func NewMock() Translator { return &mockTranslator{delay: 20 * time.Millisecond} }

func (m *mockTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.delay):
	}
	return "[" + target + "] " + text, nil
}
