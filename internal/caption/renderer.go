// Package caption renders word-timed captions progressively, one character
// at a time, against a reference clock.
package caption

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/orbit/internal/protocol"
)

const (
	DefaultMaxHistory = 30
	DefaultInterval   = 33 * time.Millisecond
)

// ClockSource supplies the reference time that token Start/End values are
// measured against. The playback scheduler satisfies it.
type ClockSource interface {
	Now() time.Duration
}

// Frame is the visible output of one render pass.
type Frame struct {
	Text      string
	Committed string
	Interim   string
	At        time.Duration
}

type Option func(*Renderer)

func WithMaxHistory(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.maxHistory = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock sets the reference clock. Without it the renderer measures time
// from its session epoch on the wall clock.
func WithClock(c ClockSource) Option {
	return func(r *Renderer) { r.clock = c }
}

// OnFrame receives each frame whose text differs from the previous one.
func OnFrame(fn func(Frame)) Option {
	return func(r *Renderer) { r.onFrame = fn }
}

type Renderer struct {
	maxHistory int
	interval   time.Duration
	onFrame    func(Frame)
	wall       func() time.Time

	mu        sync.Mutex
	clock     ClockSource
	epoch     time.Time
	committed []protocol.WordToken
	interim   []protocol.WordToken
	last      Frame
}

func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{
		maxHistory: DefaultMaxHistory,
		interval:   DefaultInterval,
		onFrame:    func(Frame) {},
		wall:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.epoch = r.wall()
	return r
}

// SetClock swaps the reference clock; nil falls back to the session clock.
func (r *Renderer) SetClock(c ClockSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

// ResetEpoch restarts the session clock, e.g. when a new recognition
// session begins and token times restart at zero.
func (r *Renderer) ResetEpoch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch = r.wall()
}

// Update replaces the interim buffer with tokens, or, when isFinal, appends
// them to the committed history and clears the interim buffer.
func (r *Renderer) Update(tokens []protocol.WordToken, isFinal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isFinal {
		r.interim = append([]protocol.WordToken(nil), tokens...)
		return
	}
	r.interim = nil
	r.committed = append(r.committed, tokens...)
	if over := len(r.committed) - r.maxHistory; over > 0 {
		r.committed = append([]protocol.WordToken(nil), r.committed[over:]...)
	}
}

// Commit moves the current interim tokens into the committed history.
func (r *Renderer) Commit() {
	r.mu.Lock()
	interim := r.interim
	r.mu.Unlock()
	r.Update(interim, true)
}

// Clear drops both buffers and blanks the visible output at once.
func (r *Renderer) Clear() {
	r.mu.Lock()
	r.committed = nil
	r.interim = nil
	hadText := r.last.Text != ""
	r.last = Frame{At: r.nowLocked()}
	frame := r.last
	r.mu.Unlock()
	if hadText {
		r.onFrame(frame)
	}
}

func (r *Renderer) nowLocked() time.Duration {
	if r.clock != nil {
		return r.clock.Now()
	}
	return r.wall().Sub(r.epoch)
}

// Now is the current reference time.
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowLocked()
}

// Render computes the visible text at the current reference time.
func (r *Renderer) Render() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renderLocked()
}

func (r *Renderer) renderLocked() Frame {
	now := r.nowLocked()
	t := now.Seconds()

	words := make([]string, 0, len(r.committed))
	for _, tok := range r.committed {
		words = append(words, tok.Word)
	}
	committed := strings.Join(words, " ")

	var interim []string
	for _, tok := range r.interim {
		if visible := revealed(tok, t); visible != "" {
			interim = append(interim, visible)
		}
	}
	interimText := strings.Join(interim, " ")

	text := committed
	if interimText != "" {
		if text != "" {
			text += " "
		}
		text += interimText
	}
	return Frame{Text: text, Committed: committed, Interim: interimText, At: now}
}

// revealed returns the prefix of tok.Word whose characters are due at t.
// Character i is due at start + (end-start)*i/len.
func revealed(tok protocol.WordToken, t float64) string {
	n := utf8.RuneCountInString(tok.Word)
	if n == 0 || t < tok.Start {
		return ""
	}
	if t >= tok.End {
		return tok.Word
	}
	span := tok.End - tok.Start
	shown := 0
	for i := 0; i < n; i++ {
		if tok.Start+span*float64(i)/float64(n) <= t {
			shown = i + 1
		}
	}
	if shown == n {
		return tok.Word
	}
	out := []rune(tok.Word)
	return string(out[:shown])
}

// Tick renders once and delivers the frame if the visible text changed.
func (r *Renderer) Tick() {
	r.mu.Lock()
	frame := r.renderLocked()
	changed := frame.Text != r.last.Text
	if changed {
		r.last = frame
	}
	r.mu.Unlock()
	if changed {
		r.onFrame(frame)
	}
}

// Run ticks until ctx is done.
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

func splitWords(text string) []string {
	return strings.Fields(text)
}
