package caption

import (
	"log/slog"
	"time"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/protocol"
)

// BusPublisher returns an OnFrame handler that publishes frames on
// caption.frame.<room>.<track>.
func BusPublisher(busClient *bus.Client, roomID, track string, log *slog.Logger) func(Frame) {
	subject := protocol.Subject(protocol.SubjectCaptionFrame, roomID, track)
	log = log.With(slog.String("component", "captions"), slog.String("track", track))
	return func(f Frame) {
		msg := protocol.CaptionFrame{
			RoomID:    roomID,
			Track:     track,
			Text:      f.Text,
			Committed: f.Committed,
			Interim:   f.Interim,
			Timestamp: time.Now().UTC(),
		}
		if err := busClient.PublishJSON(subject, msg); err != nil {
			log.Warn("failed to publish caption frame", slog.String("error", err.Error()))
		}
	}
}

// SpreadTokens times the words of text evenly across [start, start+span],
// for text that arrives without word timings.
func SpreadTokens(text string, start, span time.Duration) []protocol.WordToken {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}
	step := span.Seconds() / float64(len(words))
	base := start.Seconds()
	tokens := make([]protocol.WordToken, len(words))
	for i, w := range words {
		tokens[i] = protocol.WordToken{
			Word:       w,
			Start:      base + step*float64(i),
			End:        base + step*float64(i+1),
			Confidence: 1,
		}
	}
	return tokens
}
