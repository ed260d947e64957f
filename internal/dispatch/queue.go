// Package dispatch serializes translation and speech synthesis of committed
// segments so results come out in speaking order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/loqalabs/orbit/internal/translate"
	"github.com/loqalabs/orbit/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type JobState int

const (
	StateQueued JobState = iota
	StateTranslating
	StateSynthesizing
	StateDelivered
	StateFailedPartial
)

func (s JobState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateTranslating:
		return "translating"
	case StateSynthesizing:
		return "synthesizing"
	case StateDelivered:
		return "delivered"
	case StateFailedPartial:
		return "failed-partial"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Job is one arena slot. Jobs before the cursor are finished.
type Job struct {
	Segment protocol.Segment
	State   JobState
}

// Result is emitted once per job, in enqueue order.
type Result struct {
	RoomID         string
	SegmentID      string
	OriginalText   string
	TranslatedText string
	TargetLanguage string
	Audio          *tts.Audio
	State          JobState
}

// SegmentStore persists the translation fields of a committed segment.
type SegmentStore interface {
	UpdateTranslation(ctx context.Context, id, translatedText, targetLanguage string) error
}

type Config struct {
	RoomID         string
	TargetLanguage string
	AudioEnabled   bool
	// Timeout bounds each provider call.
	Timeout time.Duration
}

// Finished jobs kept for History once the arena is compacted.
const maxHistory = 256

// Queue runs a single worker over an append-only job arena.
type Queue struct {
	cfg        Config
	translator translate.Translator
	synth      tts.Synthesizer
	store      SegmentStore
	feed       changefeed.Feed
	onResult   func(Result)
	onIdle     func()
	log        *slog.Logger

	mu           sync.Mutex
	jobs         []Job
	cursor       int
	target       string
	audioEnabled bool
	wake         chan struct{}

	duration metric.Float64Histogram
	results  metric.Int64Counter
}

// NewQueue wires a queue. synth, store and feed may be nil.
func NewQueue(cfg Config, translator translate.Translator, synth tts.Synthesizer, store SegmentStore, feed changefeed.Feed, log *slog.Logger) *Queue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	q := &Queue{
		cfg:          cfg,
		translator:   translator,
		synth:        synth,
		store:        store,
		feed:         feed,
		onResult:     func(Result) {},
		onIdle:       func() {},
		log:          log.With(slog.String("component", "dispatch"), slog.String("room_id", cfg.RoomID)),
		target:       cfg.TargetLanguage,
		audioEnabled: cfg.AudioEnabled,
		wake:         make(chan struct{}, 1),
	}
	meter := otel.Meter("github.com/loqalabs/orbit/dispatch")
	var err error
	q.duration, err = meter.Float64Histogram("orbit.dispatch.job.duration",
		metric.WithDescription("Translate plus synthesize time per segment"),
		metric.WithUnit("s"))
	if err != nil {
		q.log.Warn("failed to initialize metrics", slogError(err))
	}
	q.results, err = meter.Int64Counter("orbit.dispatch.jobs",
		metric.WithDescription("Dispatched segments by final state"))
	if err != nil {
		q.log.Warn("failed to initialize metrics", slogError(err))
	}
	return q
}

// OnResult sets the result handler. It runs on the worker goroutine, so the
// next job waits for it.
func (q *Queue) OnResult(fn func(Result)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onResult = fn
}

// OnIdle sets a handler called each time the worker drains the queue.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onIdle = fn
}

func (q *Queue) SetTargetLanguage(lang string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.target = lang
}

func (q *Queue) TargetLanguage() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.target
}

// SetAudioEnabled toggles synthesis for jobs that have not started yet.
func (q *Queue) SetAudioEnabled(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.audioEnabled = enabled
}

func (q *Queue) Enqueue(seg protocol.Segment) {
	q.mu.Lock()
	q.jobs = append(q.jobs, Job{Segment: seg, State: StateQueued})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending counts jobs not yet delivered, including the one in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - q.cursor
}

// History returns a snapshot of the arena.
func (q *Queue) History() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

// Run processes jobs until ctx is done. Only one Run may be active.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		idx, seg, ok := q.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}
		q.process(ctx, idx, seg)
		if q.advance() {
			q.idleHandler()()
		}
	}
}

func (q *Queue) head() (int, protocol.Segment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.jobs) {
		return 0, protocol.Segment{}, false
	}
	return q.cursor, q.jobs[q.cursor].Segment, true
}

// advance moves the cursor past the finished head job and reports whether
// the queue is now empty.
func (q *Queue) advance() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor++
	if q.cursor > 2*maxHistory {
		drop := q.cursor - maxHistory
		q.jobs = append([]Job(nil), q.jobs[drop:]...)
		q.cursor -= drop
	}
	return q.cursor >= len(q.jobs)
}

func (q *Queue) setState(idx int, state JobState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[idx].State = state
}

func (q *Queue) idleHandler() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onIdle
}

func (q *Queue) settings() (string, bool, func(Result)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.target, q.audioEnabled, q.onResult
}

func (q *Queue) process(ctx context.Context, idx int, seg protocol.Segment) {
	start := time.Now()
	target, audioEnabled, onResult := q.settings()
	// A started job runs to completion on its own timeouts. Shutdown only
	// keeps later jobs from starting.
	work := context.WithoutCancel(ctx)
	state := StateDelivered

	q.setState(idx, StateTranslating)
	translated := seg.Text
	if translate.SkipTarget(target, seg.Language) {
		target = seg.Language
	} else {
		tctx, cancel := context.WithTimeout(work, q.cfg.Timeout)
		out, err := q.translator.Translate(tctx, seg.Text, target)
		cancel()
		switch {
		case err != nil:
			q.log.Warn("translation failed, delivering original text",
				slog.String("segment_id", seg.ID), slogError(err))
			state = StateFailedPartial
		case strings.TrimSpace(out) == "":
			q.log.Warn("translation empty, delivering original text", slog.String("segment_id", seg.ID))
			state = StateFailedPartial
		default:
			translated = out
		}
	}

	var audio *tts.Audio
	if audioEnabled && q.synth != nil {
		q.setState(idx, StateSynthesizing)
		sctx, cancel := context.WithTimeout(work, q.cfg.Timeout)
		out, err := q.synth.Synthesize(sctx, translated)
		cancel()
		if err == nil && len(out.Data) == 0 {
			err = tts.ErrSynthesisUnavailable
		}
		if err != nil {
			q.log.Warn("synthesis failed, delivering text only",
				slog.String("segment_id", seg.ID), slogError(err))
			state = StateFailedPartial
		} else {
			audio = &out
		}
	}

	result := Result{
		RoomID:         q.cfg.RoomID,
		SegmentID:      seg.ID,
		OriginalText:   seg.Text,
		TranslatedText: translated,
		TargetLanguage: target,
		Audio:          audio,
		State:          state,
	}
	onResult(result)
	q.persist(ctx, seg, result)
	q.setState(idx, state)
	q.record(ctx, state, time.Since(start))
}

// persist stores the translation and broadcasts the updated segment. It runs
// even after ctx is cancelled so an in-flight job still lands.
func (q *Queue) persist(ctx context.Context, seg protocol.Segment, result Result) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if q.store != nil {
		err := q.store.UpdateTranslation(pctx, seg.ID, result.TranslatedText, result.TargetLanguage)
		if err != nil {
			q.log.Warn("failed to persist translation", slog.String("segment_id", seg.ID), slogError(err))
		}
	}
	if q.feed == nil {
		return
	}
	seg.TranslatedText = result.TranslatedText
	seg.TargetLanguage = result.TargetLanguage
	evt, err := changefeed.NewEvent(changefeed.TableSegments, changefeed.OpUpdate, seg.RoomID, seg)
	if err != nil {
		q.log.Warn("failed to encode segment change", slogError(err))
		return
	}
	if err := q.feed.Publish(pctx, evt); err != nil {
		q.log.Warn("failed to publish segment change", slogError(err))
	}
}

func (q *Queue) record(ctx context.Context, state JobState, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", state.String()))
	if q.duration != nil {
		q.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if q.results != nil {
		q.results.Add(ctx, 1, attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
