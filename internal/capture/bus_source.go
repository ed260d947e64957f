// Package capture turns audio frames published by edge devices into a
// per-device capture stream.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Capture is an open audio capture. Frames is closed after Close or when the
// device sends its final frame.
type Capture interface {
	Frames() <-chan []byte
	Close() error
}

// BusSource opens captures fed by audio.frame.<room>.<device> messages.
type BusSource struct {
	bus    *bus.Client
	roomID string
	log    *slog.Logger
}

func NewBusSource(busClient *bus.Client, roomID string, log *slog.Logger) *BusSource {
	return &BusSource{bus: busClient, roomID: roomID, log: log.With(slog.String("component", "capture"))}
}

func (s *BusSource) Open(ctx context.Context, deviceID string) (Capture, error) {
	c := &busCapture{frames: make(chan []byte, 128), log: s.log}
	subject := protocol.Subject(protocol.SubjectAudioFramePrefix, s.roomID, deviceID)
	sub, err := s.bus.Conn().Subscribe(subject, c.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	c.sub = sub
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return c, nil
}

type busCapture struct {
	sub    *nats.Subscription
	frames chan []byte
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

func (c *busCapture) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		c.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(frame.PCM) > 0 {
		select {
		case c.frames <- frame.PCM:
		default:
			c.log.Warn("dropping audio frame", slog.Int("sequence", frame.Sequence))
		}
	}
	if frame.Final {
		c.closeLocked()
	}
}

func (c *busCapture) Frames() <-chan []byte { return c.frames }

func (c *busCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *busCapture) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sub.Unsubscribe()
	close(c.frames)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
