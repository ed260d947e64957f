package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
	"github.com/loqalabs/orbit/internal/tts"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Decode turns synthesized audio into mono samples at targetRate.
func Decode(a tts.Audio, targetRate int) ([]float32, error) {
	var (
		samples  []float32
		rate     = a.SampleRate
		channels = a.Channels
	)
	switch a.Format {
	case tts.FormatWAV:
		dec := wav.NewDecoder(bytes.NewReader(a.Data))
		if !dec.IsValidFile() {
			return nil, fmt.Errorf("%w: invalid wav data", ErrUnsupportedFormat)
		}
		buf, err := dec.FullPCMBuffer()
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		if dec.BitDepth == 0 {
			return nil, fmt.Errorf("%w: wav without bit depth", ErrUnsupportedFormat)
		}
		scale := float32(int64(1) << (dec.BitDepth - 1))
		samples = make([]float32, len(buf.Data))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
		rate = int(dec.SampleRate)
		channels = int(dec.NumChans)
	case tts.FormatPCM16, "":
		if len(a.Data)%2 != 0 {
			return nil, fmt.Errorf("pcm payload not aligned")
		}
		samples = make([]float32, len(a.Data)/2)
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(a.Data[i*2:]))) / 32768
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, a.Format)
	}
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	if rate > 0 && targetRate > 0 && rate != targetRate {
		samples = Resample(samples, rate, targetRate)
	}
	return samples, nil
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []float32, channels int) []float32 {
	n := len(samples) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
