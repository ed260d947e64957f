package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Per-character speaking time for the generated tone.
const mockCharDuration = 40 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that renders a soft tone, wrapped in
// WAV, whose length follows the text length.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return Audio{}, ErrSynthesisUnavailable
	}
	frames := int(time.Duration(n) * mockCharDuration * time.Duration(m.sampleRate) / time.Second)
	data := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(0.1 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
		for ch := 0; ch < m.channels; ch++ {
			binary.LittleEndian.PutUint16(data[(i*m.channels+ch)*2:], uint16(v))
		}
	}
	wavData, err := EncodeWAV(data, m.sampleRate, m.channels)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}
	return Audio{Data: wavData, Format: FormatWAV, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
