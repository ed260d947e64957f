package caption

import (
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

func tok(word string, start, end float64) protocol.WordToken {
	return protocol.WordToken{Word: word, Start: start, End: end, Confidence: 0.9}
}

func TestCharacterReveal(t *testing.T) {
	clock := &fakeClock{}
	r := NewRenderer(WithClock(clock))
	r.Update([]protocol.WordToken{tok("hello", 1.0, 1.5), tok("world", 1.5, 2.0)}, false)

	cases := []struct {
		at   time.Duration
		want string
	}{
		{900 * time.Millisecond, ""},
		{1000 * time.Millisecond, "h"},
		{1250 * time.Millisecond, "hel"},
		{1500 * time.Millisecond, "hello w"},
		{2500 * time.Millisecond, "hello world"},
	}
	for _, tc := range cases {
		clock.set(tc.at)
		if got := r.Render().Text; got != tc.want {
			t.Fatalf("at %v: got %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestCommittedTokensStayVisible(t *testing.T) {
	clock := &fakeClock{}
	r := NewRenderer(WithClock(clock))
	// Final tokens are shown in full even before their timing is reached.
	r.Update([]protocol.WordToken{tok("good", 5, 6), tok("morning", 6, 7)}, true)
	if got := r.Render().Text; got != "good morning" {
		t.Fatalf("committed tokens should be fully visible, got %q", got)
	}
	r.Update([]protocol.WordToken{tok("every", 0, 1)}, false)
	r.Update([]protocol.WordToken{tok("all", 0, 1)}, false)
	clock.set(2 * time.Second)
	frame := r.Render()
	if frame.Committed != "good morning" || frame.Interim != "all" {
		t.Fatalf("interim should be replaced wholesale, got %+v", frame)
	}
	clock.set(0)
	if got := r.Render().Committed; got != "good morning" {
		t.Fatalf("committed text changed when the clock moved back: %q", got)
	}
}

func TestFinalClearsInterimAndCapsHistory(t *testing.T) {
	r := NewRenderer(WithClock(&fakeClock{}), WithMaxHistory(3))
	r.Update([]protocol.WordToken{tok("draft", 0, 1)}, false)
	r.Update([]protocol.WordToken{tok("a", 0, 0), tok("b", 0, 0)}, true)
	if f := r.Render(); f.Interim != "" || f.Committed != "a b" {
		t.Fatalf("unexpected frame %+v", f)
	}
	r.Update([]protocol.WordToken{tok("c", 0, 0), tok("d", 0, 0)}, true)
	if got := r.Render().Committed; got != "b c d" {
		t.Fatalf("history not capped: %q", got)
	}
}

func TestTickPublishesOnlyChanges(t *testing.T) {
	clock := &fakeClock{}
	var frames []Frame
	r := NewRenderer(WithClock(clock), OnFrame(func(f Frame) { frames = append(frames, f) }))
	r.Tick()
	if len(frames) != 0 {
		t.Fatalf("empty output should not publish")
	}
	r.Update([]protocol.WordToken{tok("hi", 0, 0.2)}, false)
	clock.set(time.Second)
	r.Tick()
	r.Tick()
	if len(frames) != 1 || frames[0].Text != "hi" {
		t.Fatalf("expected one frame, got %+v", frames)
	}
	r.Clear()
	if len(frames) != 2 || frames[1].Text != "" {
		t.Fatalf("clear should blank output immediately, got %+v", frames)
	}
	if f := r.Render(); f.Text != "" {
		t.Fatalf("buffers not cleared: %+v", f)
	}
}

func TestSessionClockFallback(t *testing.T) {
	now := time.Unix(100, 0)
	r := NewRenderer()
	r.wall = func() time.Time { return now }
	r.ResetEpoch()
	r.Update([]protocol.WordToken{tok("ok", 1, 2)}, false)
	if got := r.Render().Text; got != "" {
		t.Fatalf("expected nothing at epoch, got %q", got)
	}
	now = now.Add(3 * time.Second)
	if got := r.Render().Text; got != "ok" {
		t.Fatalf("expected word after 3s, got %q", got)
	}
}

func TestSpreadTokens(t *testing.T) {
	tokens := SpreadTokens("uno dos", time.Second, time.Second)
	if len(tokens) != 2 || tokens[0].Start != 1 || tokens[0].End != 1.5 || tokens[1].End != 2 {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if SpreadTokens("   ", 0, time.Second) != nil {
		t.Fatalf("expected no tokens for blank text")
	}
}
