package audio

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/protocol"
)

// BusSink publishes scheduled frames and gain changes for edge players in
// a room.
type BusSink struct {
	bus        *bus.Client
	roomID     string
	sampleRate int
	log        *slog.Logger
}

func NewBusSink(busClient *bus.Client, roomID string, sampleRate int, log *slog.Logger) *BusSink {
	return &BusSink{
		bus:        busClient,
		roomID:     roomID,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "playback-sink")),
	}
}

// Resume is a no-op: edge players own their output devices.
func (b *BusSink) Resume(context.Context) error { return nil }

func (b *BusSink) Schedule(frame Frame) {
	msg := protocol.PlaybackFrame{
		RoomID:        b.roomID,
		Sequence:      frame.Seq,
		SampleRate:    b.sampleRate,
		ScheduledTime: frame.ScheduledTime.Seconds(),
		Duration:      frame.Duration.Seconds(),
		PCM:           EncodePCM16(frame.Samples),
	}
	if err := b.bus.PublishJSON(protocol.Subject(protocol.SubjectPlaybackFrame, b.roomID), msg); err != nil {
		b.log.Warn("failed to publish playback frame", slog.Int("sequence", frame.Seq), slogError(err))
	}
}

func (b *BusSink) RampGain(target float64, over time.Duration) {
	b.publishGain(protocol.GainChange{RoomID: b.roomID, Target: target, RampMS: int(over.Milliseconds())})
}

func (b *BusSink) Reset() {
	b.publishGain(protocol.GainChange{RoomID: b.roomID, Target: 1, Reset: true})
}

func (b *BusSink) publishGain(msg protocol.GainChange) {
	if err := b.bus.PublishJSON(protocol.Subject(protocol.SubjectPlaybackGain, b.roomID), msg); err != nil {
		b.log.Warn("failed to publish gain change", slogError(err))
	}
}

// GainEvent is a gain change seen by a RecordingSink.
type GainEvent struct {
	Target float64
	Over   time.Duration
	Reset  bool
}

// RecordingSink keeps everything it is given.
type RecordingSink struct {
	mu      sync.Mutex
	frames  []Frame
	gains   []GainEvent
	resumes int
}

func (r *RecordingSink) Resume(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes++
	return nil
}

func (r *RecordingSink) Schedule(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *RecordingSink) RampGain(target float64, over time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gains = append(r.gains, GainEvent{Target: target, Over: over})
}

func (r *RecordingSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gains = append(r.gains, GainEvent{Target: 1, Reset: true})
}

func (r *RecordingSink) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *RecordingSink) Gains() []GainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GainEvent(nil), r.gains...)
}

func (r *RecordingSink) Resumes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumes
}

// EncodePCM16 converts normalized samples to little-endian 16-bit PCM,
// clipping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		scaled := math.Round(float64(v) * 32768)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(scaled)))
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
