package protocol

import (
	"strings"
	"time"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	RoomID     string `json:"room_id"`
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// WordToken is a recognized word with timing relative to the recognition
// session clock, in seconds.
type WordToken struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Segment is one unit of finalized recognized speech. Translation fields are
// filled in once by the dispatch queue.
type Segment struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id"`
	SpeakerID      string      `json:"speaker_id"`
	Text           string      `json:"text"`
	Language       string      `json:"language"`
	IsFinal        bool        `json:"is_final"`
	CreatedAt      time.Time   `json:"created_at"`
	Words          []WordToken `json:"words,omitempty"`
	TranslatedText string      `json:"translated_text,omitempty"`
	TargetLanguage string      `json:"target_language,omitempty"`
}

// Transcript represents interim or final recognizer output broadcast on the bus.
type Transcript struct {
	RoomID    string      `json:"room_id"`
	SpeakerID string      `json:"speaker_id"`
	SegmentID string      `json:"segment_id,omitempty"`
	Text      string      `json:"text"`
	Partial   bool        `json:"partial"`
	Words     []WordToken `json:"words,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TranslationResult is emitted once per dispatched segment, in enqueue order.
type TranslationResult struct {
	RoomID         string    `json:"room_id"`
	SegmentID      string    `json:"segment_id"`
	OriginalText   string    `json:"original_text"`
	TranslatedText string    `json:"translated_text"`
	TargetLanguage string    `json:"target_language,omitempty"`
	HasAudio       bool      `json:"has_audio"`
	State          string    `json:"state"`
	Timestamp      time.Time `json:"timestamp"`
}

// PlaybackFrame carries one scheduled audio frame to edge players.
// ScheduledTime is seconds on the room playback clock.
type PlaybackFrame struct {
	RoomID        string  `json:"room_id"`
	Sequence      int     `json:"sequence"`
	SampleRate    int     `json:"sample_rate"`
	ScheduledTime float64 `json:"scheduled_time"`
	Duration      float64 `json:"duration"`
	PCM           []byte  `json:"pcm"`
}

// GainChange instructs edge players to ramp output gain. Reset drops every
// frame still scheduled and restores unity gain.
type GainChange struct {
	RoomID string  `json:"room_id"`
	Target float64 `json:"target"`
	RampMS int     `json:"ramp_ms"`
	Reset  bool    `json:"reset,omitempty"`
}

// CaptionFrame is the visible caption text after a render pass. Track is
// "source" for recognized speech and "translation" for translated output.
type CaptionFrame struct {
	RoomID    string    `json:"room_id"`
	Track     string    `json:"track"`
	Text      string    `json:"text"`
	Committed string    `json:"committed"`
	Interim   string    `json:"interim"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is published by connected participants.
type Heartbeat struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranslation       = "translation.result"
	SubjectPlaybackFrame     = "playback.frame"
	SubjectPlaybackGain      = "playback.gain"
	SubjectCaptionFrame      = "caption.frame"
	SubjectPresenceHeartbeat = "presence.heartbeat"
	SubjectPresenceLeave     = "presence.leave"
	SubjectChanges           = "changes"
)

// Subject joins prefix and tokens into a NATS subject, sanitizing each token.
func Subject(prefix string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	parts = append(parts, prefix)
	for _, tok := range tokens {
		parts = append(parts, Token(tok))
	}
	return strings.Join(parts, ".")
}

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
