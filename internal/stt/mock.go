package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/loqalabs/orbit/internal/protocol"
)

var errStreamClosed = errors.New("stt: stream closed")

// scriptedStream hands out a fixed list of events, then optionally fails.
type scriptedStream struct {
	events chan Event
	mu     sync.Mutex
	err    error
	sent   int
	done   chan struct{}
	once   sync.Once
}

func (s *scriptedStream) Send(pcm []byte) error {
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	s.mu.Lock()
	s.sent += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *scriptedStream) Events() <-chan Event { return s.events }

func (s *scriptedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// ScriptedRecognizer replays the same events on every Open. When FailWith is
// set the stream ends with that error after the events.
type ScriptedRecognizer struct {
	Events   []Event
	FailWith error
	OpenErr  error
	// Hold keeps the stream open after the script until Close.
	Hold bool
}

func (r *ScriptedRecognizer) Open(ctx context.Context, _ StreamConfig) (Stream, error) {
	if r.OpenErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, r.OpenErr)
	}
	s := &scriptedStream{events: make(chan Event), done: make(chan struct{})}
	go func() {
		defer close(s.events)
		for _, evt := range r.Events {
			select {
			case s.events <- evt:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if r.FailWith != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %v", ErrConnection, r.FailWith)
			s.mu.Unlock()
			return
		}
		if r.Hold {
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
	}()
	return s, nil
}

// MockRecognizer produces synthetic results from audio volume: an interim
// result every PartialEvery bytes and a final every FinalEvery bytes.
type MockRecognizer struct {
	PartialEvery int
	FinalEvery   int
}

func NewMockRecognizer(sampleRate, partialEveryMS int) *MockRecognizer {
	partial := sampleRate * 2 * partialEveryMS / 1000
	if partial <= 0 {
		partial = 3200
	}
	return &MockRecognizer{PartialEvery: partial, FinalEvery: partial * 4}
}

type mockStream struct {
	rec    *MockRecognizer
	events chan Event
	mu     sync.Mutex
	total  int
	lastP  int
	lastF  int
	words  []protocol.WordToken
	closed bool
}

func (m *MockRecognizer) Open(_ context.Context, cfg StreamConfig) (Stream, error) {
	return &mockStream{rec: m, events: make(chan Event, 64)}, nil
}

func (s *mockStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.total += len(pcm)
	if s.total-s.lastP >= s.rec.PartialEvery {
		s.lastP = s.total
		n := len(s.words)
		start := float64(n) * 0.4
		s.words = append(s.words, protocol.WordToken{
			Word:       fmt.Sprintf("word%d", n+1),
			Start:      start,
			End:        start + 0.35,
			Confidence: 0.9,
		})
		s.emit(false)
	}
	if s.total-s.lastF >= s.rec.FinalEvery && len(s.words) > 0 {
		s.lastF = s.total
		s.emit(true)
		s.words = nil
	}
	return nil
}

// emit must be called with mu held.
func (s *mockStream) emit(final bool) {
	words := append([]protocol.WordToken(nil), s.words...)
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	select {
	case s.events <- Event{Transcript: strings.Join(parts, " "), IsFinal: final, Words: words, Confidence: 0.9}:
	default:
		// Consumer is not keeping up; drop rather than block capture.
	}
}

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) Err() error { return nil }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
