// Package pipeline wires the per-room translation pipeline: floor gating,
// transcript ingestion, ordered dispatch, playback and captions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/audio"
	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/caption"
	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/dispatch"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/loqalabs/orbit/internal/stt"
	"github.com/loqalabs/orbit/internal/transcript"
	"github.com/loqalabs/orbit/internal/translate"
	"github.com/loqalabs/orbit/internal/tts"
)

const (
	TrackSource      = "source"
	TrackTranslation = "translation"
)

// SegmentStore is the durable segment table.
type SegmentStore interface {
	InsertSegment(ctx context.Context, seg protocol.Segment) error
	UpdateTranslation(ctx context.Context, id, translatedText, targetLanguage string) error
	ListSegments(ctx context.Context, roomID string, limit int) ([]protocol.Segment, error)
}

// Deps are the collaborators shared by every room. Bus, Synth and the
// factories may be nil.
type Deps struct {
	Floor      *floor.Controller
	Segments   SegmentStore
	Feed       changefeed.Feed
	Bus        *bus.Client
	Recognizer stt.Recognizer
	Translator translate.Translator
	Synth      tts.Synthesizer
	Capture    func(roomID string) transcript.CaptureSource
	NewSink    func(roomID string) audio.Sink
	NewClock   func() audio.Clock
	Captions   func(roomID, track string) func(caption.Frame)
}

// Status is a snapshot of a room session.
type Status struct {
	RoomID         string `json:"room_id"`
	Speaker        string `json:"speaker,omitempty"`
	IngestState    string `json:"ingest_state"`
	IngestError    string `json:"ingest_error,omitempty"`
	PendingJobs    int    `json:"pending_jobs"`
	TargetLanguage string `json:"target_language"`
	Playing        bool   `json:"playing"`
}

// Session runs the pipeline for one room.
type Session struct {
	roomID     string
	cfg        config.Config
	deps       Deps
	log        *slog.Logger
	queue      *dispatch.Queue
	scheduler  *audio.Scheduler
	source     *caption.Renderer
	translated *caption.Renderer
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	speaker     string
	ingestor    *transcript.Ingestor
	unsubscribe func()
	closed      bool
}

func newSession(parent context.Context, roomID string, cfg config.Config, deps Deps, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	log = log.With(slog.String("room_id", roomID))
	s := &Session{
		roomID: roomID,
		cfg:    cfg,
		deps:   deps,
		log:    log.With(slog.String("component", "pipeline")),
		ctx:    ctx,
		cancel: cancel,
	}

	var synth tts.Synthesizer
	if cfg.TTS.Enabled {
		synth = deps.Synth
	}
	s.queue = dispatch.NewQueue(dispatch.Config{
		RoomID:         roomID,
		TargetLanguage: cfg.Translate.TargetLanguage,
		AudioEnabled:   synth != nil,
		Timeout:        time.Duration(cfg.Translate.TimeoutMS) * time.Millisecond,
	}, deps.Translator, synth, deps.Segments, deps.Feed, log)
	s.queue.OnResult(s.handleResult)

	var clock audio.Clock = audio.NewSystemClock()
	if deps.NewClock != nil {
		clock = deps.NewClock()
	}
	var sink audio.Sink = &audio.RecordingSink{}
	if deps.NewSink != nil {
		sink = deps.NewSink(roomID)
	}
	s.scheduler = audio.NewScheduler(audio.ConfigFrom(cfg.Playback), clock, sink, log)
	s.scheduler.OnComplete(func() { s.log.Debug("playback stream complete") })
	s.queue.OnIdle(s.scheduler.Complete)

	interval := time.Duration(cfg.Captions.FrameIntervalMS) * time.Millisecond
	s.source = caption.NewRenderer(
		caption.WithMaxHistory(cfg.Captions.MaxHistory),
		caption.WithInterval(interval),
		caption.OnFrame(s.captionSink(TrackSource)))
	translatedOpts := []caption.Option{
		caption.WithMaxHistory(cfg.Captions.MaxHistory),
		caption.WithInterval(interval),
		caption.OnFrame(s.captionSink(TrackTranslation)),
	}
	if cfg.Captions.UseAudioClock {
		translatedOpts = append(translatedOpts, caption.WithClock(s.scheduler))
	}
	s.translated = caption.NewRenderer(translatedOpts...)
	return s
}

func (s *Session) captionSink(track string) func(caption.Frame) {
	if s.deps.Captions == nil {
		return func(caption.Frame) {}
	}
	return s.deps.Captions(s.roomID, track)
}

func (s *Session) start() error {
	if err := s.scheduler.Initialize(s.ctx); err != nil {
		return err
	}
	unsubscribe, err := s.deps.Floor.Subscribe(s.roomID, s.onFloorChange)
	if err != nil {
		return fmt.Errorf("subscribe floor changes: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		_ = s.queue.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.source.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.translated.Run(s.ctx)
	}()
	return nil
}

func (s *Session) RoomID() string { return s.roomID }

// StartSpeaking acquires the floor for participantID and starts ingesting
// from deviceID. It returns floor.ErrDenied when someone else is speaking.
func (s *Session) StartSpeaking(ctx context.Context, participantID, deviceID string, force bool) error {
	if s.deps.Recognizer == nil || s.deps.Capture == nil {
		return ErrNoRecognizer
	}
	if !s.deps.Floor.Acquire(ctx, s.roomID, participantID, force) {
		return floor.ErrDenied
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	prev := s.ingestor
	if prev != nil && s.speaker == participantID {
		s.mu.Unlock()
		// Same speaker: restart only after an error.
		return prev.Start(ctx, deviceID)
	}
	ing := transcript.NewIngestor(transcript.Config{
		RoomID:     s.roomID,
		SpeakerID:  participantID,
		Language:   s.cfg.STT.Language,
		SampleRate: s.cfg.STT.SampleRate,
		Channels:   s.cfg.STT.Channels,
		Keywords:   s.cfg.STT.Keywords,
	}, s.deps.Capture(s.roomID), s.deps.Recognizer, s.handleUpdate(participantID), s.log)
	s.speaker = participantID
	s.ingestor = ing
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	s.source.Clear()
	s.source.ResetEpoch()
	if err := ing.Start(ctx, deviceID); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}
	return nil
}

// StopSpeaking halts ingestion for participantID and releases the floor.
// Results already queued still play.
func (s *Session) StopSpeaking(ctx context.Context, participantID string) error {
	s.mu.Lock()
	var ing *transcript.Ingestor
	if s.speaker == participantID {
		ing = s.ingestor
		s.speaker = ""
		s.ingestor = nil
	}
	s.mu.Unlock()

	if ing != nil {
		ing.Stop()
		s.source.Clear()
	}
	return s.deps.Floor.Release(ctx, s.roomID, participantID)
}

// onFloorChange stops the local speaker as soon as someone else holds the
// floor or it goes vacant.
func (s *Session) onFloorChange(lease floor.Lease) {
	s.mu.Lock()
	if s.speaker == "" || lease.HolderID == s.speaker {
		s.mu.Unlock()
		return
	}
	lost := s.speaker
	ing := s.ingestor
	s.speaker = ""
	s.ingestor = nil
	s.mu.Unlock()

	s.log.Info("floor lost, stopping speaker",
		slog.String("speaker_id", lost), slog.String("holder_id", lease.HolderID))
	if ing != nil {
		ing.Stop()
	}
	s.source.Clear()
	s.translated.Clear()
	s.scheduler.Stop()
}

func (s *Session) handleUpdate(speakerID string) func(transcript.Update) {
	return func(u transcript.Update) {
		words := u.Words
		if len(words) == 0 {
			words = caption.SpreadTokens(u.Text, 0, 0)
		}
		if u.Kind == transcript.UpdateInterim {
			s.source.Update(words, false)
			s.publish(protocol.Subject(protocol.SubjectTranscriptPartial, s.roomID), protocol.Transcript{
				RoomID:    s.roomID,
				SpeakerID: speakerID,
				Text:      u.Text,
				Partial:   true,
				Words:     u.Words,
				Timestamp: time.Now().UTC(),
			})
			return
		}
		s.source.Update(words, true)
		s.commit(speakerID, u.Segment)
	}
}

func (s *Session) commit(speakerID string, seg protocol.Segment) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if s.deps.Segments != nil {
		if err := s.deps.Segments.InsertSegment(ctx, seg); err != nil {
			s.log.Warn("failed to persist segment", slog.String("segment_id", seg.ID), slogError(err))
		}
	}
	if s.deps.Feed != nil {
		if evt, err := changefeed.NewEvent(changefeed.TableSegments, changefeed.OpInsert, s.roomID, seg); err == nil {
			if err := s.deps.Feed.Publish(ctx, evt); err != nil {
				s.log.Warn("failed to publish segment insert", slogError(err))
			}
		}
	}
	s.publish(protocol.Subject(protocol.SubjectTranscriptFinal, s.roomID), protocol.Transcript{
		RoomID:    s.roomID,
		SpeakerID: speakerID,
		SegmentID: seg.ID,
		Text:      seg.Text,
		Words:     seg.Words,
		Timestamp: seg.CreatedAt,
	})
	if !s.deps.Floor.Renew(ctx, s.roomID, speakerID) {
		s.log.Warn("speaker no longer holds the floor", slog.String("speaker_id", speakerID))
	}
	s.queue.Enqueue(seg)
}

// handleResult runs on the dispatch worker, so results reach playback and
// captions in enqueue order.
func (s *Session) handleResult(r dispatch.Result) {
	s.publish(protocol.Subject(protocol.SubjectTranslation, s.roomID), protocol.TranslationResult{
		RoomID:         s.roomID,
		SegmentID:      r.SegmentID,
		OriginalText:   r.OriginalText,
		TranslatedText: r.TranslatedText,
		TargetLanguage: r.TargetLanguage,
		HasAudio:       r.Audio != nil,
		State:          r.State.String(),
		Timestamp:      time.Now().UTC(),
	})

	s.translated.Commit()
	if r.Audio == nil {
		s.translated.Update(caption.SpreadTokens(r.TranslatedText, 0, 0), true)
		return
	}
	samples, err := audio.Decode(*r.Audio, s.scheduler.SampleRate())
	if err != nil {
		s.log.Warn("failed to decode synthesized audio", slog.String("segment_id", r.SegmentID), slogError(err))
		s.translated.Update(caption.SpreadTokens(r.TranslatedText, 0, 0), true)
		return
	}
	if !s.scheduler.Playing() {
		if err := s.scheduler.Resume(s.ctx); err != nil {
			s.log.Warn("failed to resume playback", slogError(err))
		}
	}
	start := s.translated.Now()
	if s.cfg.Captions.UseAudioClock {
		start = s.scheduler.NextStart()
	}
	span := time.Duration(len(samples)) * time.Second / time.Duration(s.scheduler.SampleRate())
	s.scheduler.AddSamples(samples)
	s.translated.Update(caption.SpreadTokens(r.TranslatedText, start, span), false)
}

func (s *Session) publish(subject string, v any) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Session) SetTargetLanguage(lang string) {
	s.queue.SetTargetLanguage(lang)
}

func (s *Session) SetAudioEnabled(enabled bool) {
	s.queue.SetAudioEnabled(enabled && s.cfg.TTS.Enabled && s.deps.Synth != nil)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	speaker, ing := s.speaker, s.ingestor
	s.mu.Unlock()
	st := Status{
		RoomID:         s.roomID,
		Speaker:        speaker,
		IngestState:    transcript.StateIdle.String(),
		PendingJobs:    s.queue.Pending(),
		TargetLanguage: s.queue.TargetLanguage(),
		Playing:        s.scheduler.Playing(),
	}
	if ing != nil {
		st.IngestState = ing.State().String()
		st.IngestError = ing.LastError()
	}
	return st
}

// Segments lists the latest committed segments of the room.
func (s *Session) Segments(ctx context.Context, limit int) ([]protocol.Segment, error) {
	if s.deps.Segments == nil {
		return nil, nil
	}
	return s.deps.Segments.ListSegments(ctx, s.roomID, limit)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	ing := s.ingestor
	unsubscribe := s.unsubscribe
	s.ingestor = nil
	s.speaker = ""
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ing != nil {
		ing.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.scheduler.Stop()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
