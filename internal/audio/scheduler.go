// Package audio schedules synthesized speech for gap-free playback.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/config"
)

// Frame is one fixed-size playback unit. Samples are normalized to [-1, 1].
type Frame struct {
	Seq           int
	Samples       []float32
	ScheduledTime time.Duration
	Duration      time.Duration
}

// Sink is the output device. Schedule must not block.
type Sink interface {
	Resume(ctx context.Context) error
	Schedule(frame Frame)
	RampGain(target float64, over time.Duration)
	// Reset drops every scheduled frame and restores unity gain.
	Reset()
}

type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	Lookahead     time.Duration
	InitialBuffer time.Duration
	Poll          time.Duration
	Fade          time.Duration
}

func ConfigFrom(cfg config.PlaybackConfig) Config {
	return Config{
		SampleRate:    cfg.SampleRate,
		FrameDuration: time.Duration(cfg.FrameMS) * time.Millisecond,
		Lookahead:     time.Duration(cfg.LookaheadMS) * time.Millisecond,
		InitialBuffer: time.Duration(cfg.InitialBufferMS) * time.Millisecond,
		Poll:          time.Duration(cfg.PollMS) * time.Millisecond,
		Fade:          time.Duration(cfg.FadeMS) * time.Millisecond,
	}
}

func DefaultConfig() Config {
	return Config{
		SampleRate:    24000,
		FrameDuration: 320 * time.Millisecond,
		Lookahead:     200 * time.Millisecond,
		InitialBuffer: 50 * time.Millisecond,
		Poll:          100 * time.Millisecond,
		Fade:          100 * time.Millisecond,
	}
}

const (
	// Re-check this long before the scheduled cursor is reached.
	checkMargin = 50 * time.Millisecond
	// Gain is restored this long after a stop so the fade can finish.
	resetDelay = 200 * time.Millisecond
)

// Scheduler coalesces arbitrary-length sample chunks into frames and hands
// them to the sink ahead of time. It has no goroutine of its own; all work
// happens in caller calls and clock callbacks.
type Scheduler struct {
	cfg       Config
	frameSize int
	clock     Clock
	sink      Sink
	log       *slog.Logger

	mu            sync.Mutex
	initialized   bool
	playing       bool
	complete      bool
	fired         bool
	pending       []float32
	queue         [][]float32
	scheduledTime time.Duration
	lastEnd       time.Duration
	seq           int
	gen           int
	checkTimer    Timer
	checkToken    int
	endTimer      Timer
	resetTimer    Timer
	onComplete    func()
}

func NewScheduler(cfg Config, clock Clock, sink Sink, log *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	frameSize := int(int64(cfg.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second))
	if frameSize <= 0 {
		frameSize = 1
	}
	return &Scheduler{
		cfg:        cfg,
		frameSize:  frameSize,
		clock:      clock,
		sink:       sink,
		log:        log.With(slog.String("component", "playback")),
		onComplete: func() {},
	}
}

func (s *Scheduler) FrameSize() int { return s.frameSize }

func (s *Scheduler) SampleRate() int { return s.cfg.SampleRate }

// Now is the playback clock.
func (s *Scheduler) Now() time.Duration { return s.clock.Now() }

// OnComplete sets the handler fired once per stream after its last frame
// has finished playing.
func (s *Scheduler) OnComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	s.onComplete = fn
}

// Initialize resumes the output device. Samples added before it are dropped.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.sink.Resume(ctx); err != nil {
		return fmt.Errorf("resume output: %w", err)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Resume reopens the stream after Complete or Stop.
func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.sink.Resume(ctx); err != nil {
		return fmt.Errorf("resume output: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reopenLocked()
	s.complete = false
	s.fired = false
	if earliest := s.clock.Now() + s.cfg.InitialBuffer; s.scheduledTime < earliest {
		s.scheduledTime = earliest
	}
	s.sink.RampGain(1, 0)
	return nil
}

// reopenLocked applies a reset still pending from Stop right away, so frames
// scheduled afterwards are neither dropped nor faded out. It reports whether
// a stop was pending.
func (s *Scheduler) reopenLocked() bool {
	if s.resetTimer == nil {
		return false
	}
	if s.resetTimer.Stop() {
		s.sink.Reset()
	}
	s.resetTimer = nil
	return true
}

// AddPCM16 normalizes 16-bit samples by 1/32768 and appends them.
func (s *Scheduler) AddPCM16(chunk []int16) {
	samples := make([]float32, len(chunk))
	for i, v := range chunk {
		samples[i] = float32(v) / 32768
	}
	s.AddSamples(samples)
}

// AddSamples appends normalized samples. Whole frames are queued at once;
// the remainder waits for more data or Complete.
func (s *Scheduler) AddSamples(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		s.log.Warn("dropping samples before initialize", slog.Int("samples", len(samples)))
		return
	}
	if s.complete {
		// Data after completion starts a new stream.
		s.complete = false
		s.fired = false
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSize {
		frame := make([]float32, s.frameSize)
		copy(frame, s.pending[:s.frameSize])
		s.queue = append(s.queue, frame)
		s.pending = s.pending[s.frameSize:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	var fire func()
	if !s.playing {
		s.startLocked()
		fire = s.scheduleLocked()
	}
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// startLocked begins a new stream. Output stopped by an earlier Stop is
// brought back to full gain first.
func (s *Scheduler) startLocked() {
	if s.reopenLocked() {
		s.sink.RampGain(1, 0)
	}
	s.playing = true
	if start := s.clock.Now() + s.cfg.InitialBuffer; s.scheduledTime < start {
		s.scheduledTime = start
	}
}

// Complete flushes any partial frame and lets the queue drain to completion.
func (s *Scheduler) Complete() {
	s.mu.Lock()
	s.complete = true
	if len(s.pending) > 0 {
		s.queue = append(s.queue, s.pending)
		s.pending = nil
	}
	if len(s.queue) > 0 && !s.playing && s.initialized {
		s.startLocked()
	}
	var fire func()
	if s.playing {
		fire = s.scheduleLocked()
	} else {
		fire = s.finishLocked()
	}
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Stop discards queued and pending data, fades output to silence and resets
// for reuse. The completion handler does not fire for a stopped stream.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.checkToken++
	s.stopTimersLocked()
	wasActive := s.playing || len(s.queue) > 0 || len(s.pending) > 0
	s.playing = false
	s.complete = true
	s.fired = true
	s.queue = nil
	s.pending = nil
	s.scheduledTime = s.clock.Now()
	s.lastEnd = s.scheduledTime

	s.sink.RampGain(0, s.cfg.Fade)
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	gen := s.gen
	s.resetTimer = s.clock.AfterFunc(resetDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.resetTimer == nil {
			return
		}
		s.resetTimer = nil
		s.sink.Reset()
	})
	if wasActive {
		s.log.Debug("playback stopped")
	}
}

// Pending reports samples waiting for a full frame.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Queued reports frames not yet handed to the sink.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextStart estimates when samples added now would begin to play, on the
// playback clock.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	earliest := s.clock.Now() + s.cfg.InitialBuffer
	if !s.playing {
		if s.scheduledTime > earliest {
			return s.scheduledTime
		}
		return earliest
	}
	queued := len(s.pending)
	for _, f := range s.queue {
		queued += len(f)
	}
	start := s.scheduledTime
	if now := s.clock.Now(); start < now {
		start = now
	}
	return start + s.frameDuration(queued)
}

// Playing reports whether a stream is being scheduled.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Scheduler) frameDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.cfg.SampleRate)
}

// scheduleLocked hands every frame inside the lookahead window to the sink
// and arms the next check. It returns the completion handler when the
// stream finished with nothing left to wait for.
func (s *Scheduler) scheduleLocked() func() {
	if !s.playing {
		return nil
	}
	now := s.clock.Now()
	for len(s.queue) > 0 && s.scheduledTime < now+s.cfg.Lookahead {
		samples := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		start := s.scheduledTime
		if start < now {
			start = now
		}
		frame := Frame{Seq: s.seq, Samples: samples, ScheduledTime: start, Duration: s.frameDuration(len(samples))}
		s.seq++
		s.sink.Schedule(frame)
		s.scheduledTime = start + frame.Duration
		s.lastEnd = s.scheduledTime
	}
	if len(s.queue) == 0 {
		s.queue = nil
	}

	if len(s.queue) > 0 {
		next := s.scheduledTime - now - checkMargin
		if next < 0 {
			next = 0
		}
		s.armCheckLocked(next)
		return nil
	}
	if s.complete && len(s.pending) == 0 {
		return s.finishLocked()
	}
	s.armCheckLocked(s.cfg.Poll)
	return nil
}

// finishLocked ends the stream and fires or arms completion.
func (s *Scheduler) finishLocked() func() {
	s.playing = false
	if s.checkTimer != nil {
		s.checkTimer.Stop()
		s.checkTimer = nil
		s.checkToken++
	}
	if s.fired {
		return nil
	}
	remaining := s.lastEnd - s.clock.Now()
	if remaining <= 0 {
		s.fired = true
		return s.onComplete
	}
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	gen := s.gen
	s.endTimer = s.clock.AfterFunc(remaining, func() {
		s.mu.Lock()
		if s.gen != gen || s.fired || s.playing || !s.complete || len(s.queue) > 0 {
			s.mu.Unlock()
			return
		}
		s.endTimer = nil
		s.fired = true
		fn := s.onComplete
		s.mu.Unlock()
		fn()
	})
	return nil
}

func (s *Scheduler) armCheckLocked(d time.Duration) {
	if s.checkTimer != nil {
		s.checkTimer.Stop()
	}
	s.checkToken++
	token := s.checkToken
	s.checkTimer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.checkToken != token {
			// Superseded or stopped while waiting for the lock.
			s.mu.Unlock()
			return
		}
		s.checkTimer = nil
		fire := s.scheduleLocked()
		s.mu.Unlock()
		if fire != nil {
			fire()
		}
	})
}

func (s *Scheduler) stopTimersLocked() {
	for _, t := range []Timer{s.checkTimer, s.endTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.checkTimer = nil
	s.endTimer = nil
}
