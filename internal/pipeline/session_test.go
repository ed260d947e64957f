package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/audio"
	"github.com/loqalabs/orbit/internal/caption"
	"github.com/loqalabs/orbit/internal/capture"
	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/store"
	"github.com/loqalabs/orbit/internal/stt"
	"github.com/loqalabs/orbit/internal/transcript"
	"github.com/loqalabs/orbit/internal/translate"
	"github.com/loqalabs/orbit/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCapture struct {
	frames chan []byte
	once   sync.Once
}

func (c *fakeCapture) Frames() <-chan []byte { return c.frames }

func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.frames) })
	return nil
}

type fakeSource struct{}

func (fakeSource) Open(context.Context, string) (capture.Capture, error) {
	return &fakeCapture{frames: make(chan []byte)}, nil
}

type harness struct {
	manager  *Manager
	segments *store.Memory
	floor    *floor.Controller
	sink     *audio.RecordingSink
	mu       sync.Mutex
	captions map[string]string
}

func newHarness(t *testing.T, rec stt.Recognizer) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Translate.TargetLanguage = "es"
	cfg.TTS.Enabled = true
	cfg.Captions.UseAudioClock = true

	segments := store.NewMemory()
	feed := changefeed.NewMemory()
	h := &harness{
		segments: segments,
		floor:    floor.NewController(segments, feed, newLogger()),
		sink:     &audio.RecordingSink{},
		captions: make(map[string]string),
	}
	deps := Deps{
		Floor:      h.floor,
		Segments:   segments,
		Feed:       feed,
		Recognizer: rec,
		Translator: translate.NewMock(),
		Synth:      tts.NewMockSynth(24000, 1),
		Capture:    func(string) transcript.CaptureSource { return fakeSource{} },
		NewSink:    func(string) audio.Sink { return h.sink },
		NewClock:   func() audio.Clock { return audio.NewManualClock() },
		Captions: func(_, track string) func(caption.Frame) {
			return func(f caption.Frame) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.captions[track] = f.Text
			}
		},
	}
	h.manager = NewManager(context.Background(), cfg, deps, newLogger())
	t.Cleanup(h.manager.Close)
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpeakTranslatesAndPlays(t *testing.T) {
	rec := &stt.ScriptedRecognizer{Hold: true, Events: []stt.Event{
		{Transcript: "hel"},
		{Transcript: "hello there", IsFinal: true},
	}}
	h := newHarness(t, rec)
	ctx := context.Background()
	session, err := h.manager.Session("abc")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := session.StartSpeaking(ctx, "A", "mic", false); err != nil {
		t.Fatalf("start speaking: %v", err)
	}
	if err := session.StartSpeaking(ctx, "B", "mic", false); !errors.Is(err, floor.ErrDenied) {
		t.Fatalf("expected denial for B, got %v", err)
	}

	eventually(t, "translated segment", func() bool {
		segs, err := session.Segments(ctx, 10)
		return err == nil && len(segs) == 1 && segs[0].TranslatedText == "[es] hello there"
	})
	eventually(t, "scheduled playback", func() bool { return len(h.sink.Frames()) > 0 })

	st := session.Status()
	if st.Speaker != "A" || st.IngestState != "listening" || st.TargetLanguage != "es" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestFloorLossStopsSpeaker(t *testing.T) {
	h := newHarness(t, &stt.ScriptedRecognizer{Hold: true})
	ctx := context.Background()
	session, err := h.manager.Session("abc")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := session.StartSpeaking(ctx, "A", "mic", false); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := session.StartSpeaking(ctx, "B", "mic", true); err != nil {
		t.Fatalf("forced start B: %v", err)
	}
	if st := session.Status(); st.Speaker != "B" {
		t.Fatalf("expected B to speak, got %+v", st)
	}
	gains := h.sink.Gains()
	if len(gains) == 0 || gains[0].Target != 0 {
		t.Fatalf("playback should fade out on floor loss, got %+v", gains)
	}

	if err := session.StopSpeaking(ctx, "B"); err != nil {
		t.Fatalf("stop B: %v", err)
	}
	if _, held, err := h.floor.Holder(ctx, "abc"); err != nil || held {
		t.Fatalf("floor should be vacant after stop: held=%v err=%v", held, err)
	}
	if st := session.Status(); st.Speaker != "" || st.IngestState != "idle" {
		t.Fatalf("unexpected status after stop %+v", st)
	}
}

func TestRecognizerErrorSurfacesInStatus(t *testing.T) {
	h := newHarness(t, &stt.ScriptedRecognizer{FailWith: errors.New("socket closed")})
	session, err := h.manager.Session("room-2")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := session.StartSpeaking(context.Background(), "A", "mic", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "error state", func() bool { return session.Status().IngestState == "error" })
	if session.Status().IngestError == "" {
		t.Fatalf("expected error message in status")
	}
}

func TestManagerReusesSessions(t *testing.T) {
	h := newHarness(t, &stt.ScriptedRecognizer{})
	a, err := h.manager.Session("x")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	b, _ := h.manager.Session("x")
	if a != b {
		t.Fatalf("expected the same session")
	}
	if rooms := h.manager.Rooms(); len(rooms) != 1 || rooms[0] != "x" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
	h.manager.CloseRoom("x")
	if _, ok := h.manager.Lookup("x"); ok {
		t.Fatalf("room should be gone")
	}
	h.manager.Close()
	if _, err := h.manager.Session("y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
