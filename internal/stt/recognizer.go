package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/orbit/internal/protocol"
)

// ErrConnection marks a recognition transport failure.
var ErrConnection = errors.New("recognition connection error")

// Event is one interim or final recognition result, delivered in arrival order.
type Event struct {
	Transcript string
	IsFinal    bool
	Words      []protocol.WordToken
	Confidence float64
	Language   string
}

type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string
	Keywords   []string
}

// Stream is one open recognition connection. Events is closed when the
// connection ends; Err then reports why, or nil after Close.
type Stream interface {
	Send(pcm []byte) error
	Events() <-chan Event
	Err() error
	Close() error
}

type Recognizer interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
