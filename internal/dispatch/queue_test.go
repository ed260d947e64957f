package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/loqalabs/orbit/internal/store"
	"github.com/loqalabs/orbit/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// latencyTranslator sleeps a random amount and fails for texts in failOn.
type latencyTranslator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	failOn   map[string]bool
	inFlight int
	overlap  bool
}

func (l *latencyTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	l.mu.Lock()
	l.inFlight++
	if l.inFlight > 1 {
		l.overlap = true
	}
	delay := time.Duration(l.rng.Intn(5)) * time.Millisecond
	fail := l.failOn[text]
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}
	if fail {
		return "", errors.New("provider unavailable")
	}
	return target + ":" + text, nil
}

type fakeSynth struct {
	fail map[string]bool
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (tts.Audio, error) {
	if f.fail[text] {
		return tts.Audio{}, tts.ErrSynthesisUnavailable
	}
	// Longer text takes longer, which is what would scramble order if jobs overlapped.
	time.Sleep(time.Duration(len(text)%4) * time.Millisecond)
	return tts.Audio{Data: []byte(text), Format: tts.FormatPCM16, SampleRate: 24000, Channels: 1}, nil
}

type collector struct {
	mu      sync.Mutex
	results []Result
	done    chan struct{}
	want    int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) add(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	if len(c.results) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d results", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func segment(id, text string) protocol.Segment {
	return protocol.Segment{ID: id, RoomID: "room-1", SpeakerID: "A", Text: text, Language: "en", IsFinal: true}
}

func TestResultsFollowEnqueueOrder(t *testing.T) {
	translator := &latencyTranslator{rng: rand.New(rand.NewSource(7))}
	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "es", AudioEnabled: true},
		translator, &fakeSynth{}, nil, nil, newLogger())
	const n = 40
	col := newCollector(n)
	q.OnResult(col.add)
	startQueue(t, q)

	for i := 0; i < n; i++ {
		text := "utterance " + string(rune('a'+i%26)) + strings.Repeat("x", i%7)
		q.Enqueue(segment(string(rune('A'+i)), text))
	}
	results := col.wait(t)
	for i, r := range results {
		if r.SegmentID != string(rune('A'+i)) {
			t.Fatalf("result %d has segment %q", i, r.SegmentID)
		}
		if r.Audio == nil || r.State != StateDelivered {
			t.Fatalf("result %d not fully delivered: %+v", i, r)
		}
	}
	translator.mu.Lock()
	defer translator.mu.Unlock()
	if translator.overlap {
		t.Fatalf("translation calls overlapped")
	}
}

func TestTranslationFailureFallsBackAndContinues(t *testing.T) {
	translator := &latencyTranslator{rng: rand.New(rand.NewSource(1)), failOn: map[string]bool{"Hello": true}}
	segments := store.NewMemory()
	ctx := context.Background()
	for _, seg := range []protocol.Segment{segment("1", "Hello"), segment("2", "World")} {
		if err := segments.InsertSegment(ctx, seg); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	feed := changefeed.NewMemory()
	var (
		mu      sync.Mutex
		updates []protocol.Segment
	)
	unsubscribe, err := feed.Subscribe("room-1", func(evt changefeed.Event) {
		var seg protocol.Segment
		if evt.Table == changefeed.TableSegments && evt.Decode(&seg) == nil {
			mu.Lock()
			updates = append(updates, seg)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "de"}, translator, nil, segments, feed, newLogger())
	col := newCollector(2)
	q.OnResult(col.add)
	startQueue(t, q)
	q.Enqueue(segment("1", "Hello"))
	q.Enqueue(segment("2", "World"))

	results := col.wait(t)
	first := results[0]
	if first.SegmentID != "1" || first.OriginalText != "Hello" || first.TranslatedText != "Hello" {
		t.Fatalf("unexpected fallback result %+v", first)
	}
	if first.State != StateFailedPartial {
		t.Fatalf("expected failed-partial, got %s", first.State)
	}
	if results[1].TranslatedText != "de:World" || results[1].State != StateDelivered {
		t.Fatalf("queue did not continue: %+v", results[1])
	}

	// Persistence happens after the handler; wait for the worker to go idle.
	deadline := time.Now().Add(2 * time.Second)
	for q.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stored, err := segments.GetSegment(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TranslatedText != "Hello" || stored.TargetLanguage != "de" {
		t.Fatalf("translation not persisted: %+v", stored)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 || updates[0].ID != "1" || updates[1].TranslatedText != "de:World" {
		t.Fatalf("unexpected segment updates %+v", updates)
	}
}

func TestSynthesisFailureDeliversText(t *testing.T) {
	translator := &latencyTranslator{rng: rand.New(rand.NewSource(2))}
	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "fr", AudioEnabled: true},
		translator, &fakeSynth{fail: map[string]bool{"fr:quiet": true}}, nil, nil, newLogger())
	col := newCollector(1)
	q.OnResult(col.add)
	startQueue(t, q)
	q.Enqueue(segment("1", "quiet"))

	r := col.wait(t)[0]
	if r.Audio != nil || r.TranslatedText != "fr:quiet" || r.State != StateFailedPartial {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestSkipsTranslationForAutoOrSameLanguage(t *testing.T) {
	translator := &latencyTranslator{rng: rand.New(rand.NewSource(3)), failOn: map[string]bool{"hi": true}}
	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "auto"}, translator, &fakeSynth{}, nil, nil, newLogger())
	col := newCollector(2)
	q.OnResult(col.add)
	startQueue(t, q)
	q.Enqueue(segment("1", "hi"))
	q.SetAudioEnabled(true)
	q.Enqueue(segment("2", "hi"))

	results := col.wait(t)
	for _, r := range results {
		if r.TranslatedText != "hi" || r.State == StateFailedPartial {
			t.Fatalf("translation should be skipped: %+v", r)
		}
	}
}

func TestHistoryAndIdle(t *testing.T) {
	translator := &latencyTranslator{rng: rand.New(rand.NewSource(4))}
	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "es"}, translator, nil, nil, nil, newLogger())
	idle := make(chan struct{}, 4)
	q.OnIdle(func() { idle <- struct{}{} })
	startQueue(t, q)

	q.Enqueue(segment("1", "one"))
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatalf("idle not signalled")
	}
	history := q.History()
	if len(history) != 1 || history[0].State != StateDelivered {
		t.Fatalf("unexpected history %+v", history)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Pending())
	}
}

// gatedTranslator blocks each call until release is signalled.
type gatedTranslator struct {
	started chan string
	release chan struct{}
}

func (g *gatedTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	g.started <- text
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.release:
	}
	return target + ":" + text, nil
}

func TestShutdownFinishesInFlightJobOnly(t *testing.T) {
	translator := &gatedTranslator{started: make(chan string, 4), release: make(chan struct{})}
	segments := store.NewMemory()
	bg := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		if err := segments.InsertSegment(bg, segment(id, "text "+id)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	q := NewQueue(Config{RoomID: "room-1", TargetLanguage: "es"}, translator, nil, segments, nil, newLogger())
	var (
		mu      sync.Mutex
		results []Result
	)
	q.OnResult(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	for _, id := range []string{"1", "2", "3"} {
		q.Enqueue(segment(id, "text "+id))
	}
	select {
	case <-translator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never started")
	}
	cancel()
	close(translator.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0].SegmentID != "1" {
		t.Fatalf("expected only the in-flight job to be delivered, got %+v", results)
	}
	if results[0].TranslatedText != "es:text 1" || results[0].State != StateDelivered {
		t.Fatalf("in-flight job lost its translation: %+v", results[0])
	}
	stored, err := segments.GetSegment(bg, "2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TranslatedText != "" {
		t.Fatalf("unstarted job was persisted: %+v", stored)
	}
	history := q.History()
	if history[1].State != StateQueued || history[2].State != StateQueued {
		t.Fatalf("unstarted jobs should stay queued: %+v", history)
	}
	if q.Pending() != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", q.Pending())
	}
}

func TestJobStateString(t *testing.T) {
	if StateFailedPartial.String() != "failed-partial" {
		t.Fatalf("unexpected %q", StateFailedPartial.String())
	}
}
