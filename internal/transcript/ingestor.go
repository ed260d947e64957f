// Package transcript turns a live recognition stream into interim updates and
// committed segments.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/orbit/internal/capture"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/loqalabs/orbit/internal/stt"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type UpdateKind int

const (
	UpdateInterim UpdateKind = iota
	UpdateFinal
)

// Update is delivered for every accepted recognizer result. Interim updates
// replace the previous interim wholesale; final updates carry the committed
// segment.
type Update struct {
	Kind    UpdateKind
	Text    string
	Words   []protocol.WordToken
	Segment protocol.Segment
}

type CaptureSource interface {
	Open(ctx context.Context, deviceID string) (capture.Capture, error)
}

type Config struct {
	RoomID     string
	SpeakerID  string
	Language   string
	SampleRate int
	Channels   int
	Keywords   []string
}

// Bound on the in-memory commit log; segments are durable elsewhere.
const maxCommitted = 1000

// Ingestor owns one capture plus recognition connection for a speaker.
// Start must only be called while the speaker holds the floor.
type Ingestor struct {
	cfg        Config
	source     CaptureSource
	recognizer stt.Recognizer
	onUpdate   func(Update)
	log        *slog.Logger
	newID      func() string
	clock      func() time.Time

	mu            sync.Mutex
	state         State
	lastErr       string
	gen           int
	cancel        context.CancelFunc
	stream        stt.Stream
	capture       capture.Capture
	interim       Update
	committed     []protocol.Segment
	lastCommitted string
	language      string
	wg            sync.WaitGroup
}

// NewIngestor wires an ingestor. onUpdate is called from a single goroutine
// in result order and must not call Stop.
func NewIngestor(cfg Config, source CaptureSource, recognizer stt.Recognizer, onUpdate func(Update), log *slog.Logger) *Ingestor {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	return &Ingestor{
		cfg:        cfg,
		source:     source,
		recognizer: recognizer,
		onUpdate:   onUpdate,
		log: log.With(slog.String("component", "transcript-ingestor"),
			slog.String("room_id", cfg.RoomID), slog.String("speaker_id", cfg.SpeakerID)),
		newID: uuid.NewString,
		clock: time.Now,
	}
}

// Start opens capture and recognition. It is a no-op while already
// connecting or listening; after an error it starts over.
func (i *Ingestor) Start(ctx context.Context, deviceID string) error {
	i.mu.Lock()
	if i.state == StateConnecting || i.state == StateListening {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()
	// A previous failed session may still be winding down.
	i.wg.Wait()

	i.mu.Lock()
	i.gen++
	gen := i.gen
	i.state = StateConnecting
	i.lastErr = ""
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel
	i.mu.Unlock()

	c, err := i.source.Open(runCtx, deviceID)
	if err != nil {
		err = fmt.Errorf("open capture: %w", err)
		i.fail(gen, err)
		return err
	}
	stream, err := i.recognizer.Open(runCtx, stt.StreamConfig{
		SampleRate: i.cfg.SampleRate,
		Channels:   i.cfg.Channels,
		Language:   i.cfg.Language,
		Keywords:   i.cfg.Keywords,
	})
	if err != nil {
		_ = c.Close()
		err = fmt.Errorf("open recognizer: %w", err)
		i.fail(gen, err)
		return err
	}

	i.mu.Lock()
	if i.gen != gen {
		// Stopped while connecting.
		i.mu.Unlock()
		_ = stream.Close()
		_ = c.Close()
		cancel()
		return nil
	}
	i.capture = c
	i.stream = stream
	i.state = StateListening
	i.wg.Add(2)
	i.mu.Unlock()

	go i.pump(c, stream)
	go i.consume(gen, stream)
	i.log.Info("ingestion started", slog.String("device_id", deviceID))
	return nil
}

// Stop tears down capture and recognition. It is idempotent, and no update is
// delivered after it returns.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	wasActive := i.state == StateConnecting || i.state == StateListening
	i.gen++
	i.state = StateIdle
	i.lastErr = ""
	i.interim = Update{}
	c, stream, cancel := i.capture, i.stream, i.cancel
	i.capture, i.stream, i.cancel = nil, nil, nil
	i.mu.Unlock()

	teardown(c, stream, cancel)
	i.wg.Wait()
	if wasActive {
		i.log.Info("ingestion stopped")
	}
}

func (i *Ingestor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastError returns the message of the failure that moved the ingestor into
// StateError.
func (i *Ingestor) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

func (i *Ingestor) Interim() Update {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.interim
}

func (i *Ingestor) Committed() []protocol.Segment {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]protocol.Segment(nil), i.committed...)
}

func (i *Ingestor) pump(c capture.Capture, stream stt.Stream) {
	defer i.wg.Done()
	for pcm := range c.Frames() {
		if err := stream.Send(pcm); err != nil {
			return
		}
	}
}

func (i *Ingestor) consume(gen int, stream stt.Stream) {
	defer i.wg.Done()
	for evt := range stream.Events() {
		i.handle(gen, evt)
	}
	if err := stream.Err(); err != nil {
		i.fail(gen, err)
		return
	}
	i.finish(gen)
}

// finish handles a recognizer that closed cleanly on its own.
func (i *Ingestor) finish(gen int) {
	i.mu.Lock()
	if i.gen != gen {
		i.mu.Unlock()
		return
	}
	i.state = StateIdle
	i.interim = Update{}
	c, stream, cancel := i.capture, i.stream, i.cancel
	i.capture, i.stream, i.cancel = nil, nil, nil
	i.mu.Unlock()

	teardown(c, stream, cancel)
	i.log.Info("recognition stream ended")
}

func (i *Ingestor) handle(gen int, evt stt.Event) {
	i.mu.Lock()
	if i.gen != gen || i.state != StateListening {
		i.mu.Unlock()
		return
	}
	if evt.Language != "" {
		i.language = evt.Language
	}
	if !evt.IsFinal {
		i.interim = Update{Kind: UpdateInterim, Text: evt.Transcript, Words: evt.Words}
		upd := i.interim
		i.mu.Unlock()
		i.onUpdate(upd)
		return
	}

	i.interim = Update{}
	text := strings.TrimSpace(evt.Transcript)
	if text == "" {
		i.mu.Unlock()
		return
	}
	if text == i.lastCommitted {
		i.mu.Unlock()
		i.log.Debug("suppressed duplicate final", slog.String("text", text))
		return
	}
	seg := protocol.Segment{
		ID:        i.newID(),
		RoomID:    i.cfg.RoomID,
		SpeakerID: i.cfg.SpeakerID,
		Text:      text,
		Language:  i.segmentLanguage(),
		IsFinal:   true,
		CreatedAt: i.clock().UTC(),
		Words:     evt.Words,
	}
	i.committed = append(i.committed, seg)
	if len(i.committed) > maxCommitted {
		i.committed = append([]protocol.Segment(nil), i.committed[len(i.committed)-maxCommitted:]...)
	}
	i.lastCommitted = text
	i.mu.Unlock()

	i.onUpdate(Update{Kind: UpdateFinal, Text: text, Words: evt.Words, Segment: seg})
}

// segmentLanguage must be called with mu held.
func (i *Ingestor) segmentLanguage() string {
	if i.language != "" {
		return i.language
	}
	if i.cfg.Language == "multi" || i.cfg.Language == "auto" {
		return ""
	}
	return i.cfg.Language
}

func (i *Ingestor) fail(gen int, err error) {
	i.mu.Lock()
	if i.gen != gen {
		i.mu.Unlock()
		return
	}
	i.state = StateError
	i.lastErr = err.Error()
	i.interim = Update{}
	c, stream, cancel := i.capture, i.stream, i.cancel
	i.capture, i.stream, i.cancel = nil, nil, nil
	i.mu.Unlock()

	teardown(c, stream, cancel)
	i.log.Warn("ingestion failed", slogError(err))
}

func teardown(c capture.Capture, stream stt.Stream, cancel context.CancelFunc) {
	if stream != nil {
		_ = stream.Close()
	}
	if c != nil {
		_ = c.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
