package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/orbit/internal/protocol"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	// closeStreamTimeout bounds the flush request sent on Close.
	closeStreamTimeout = time.Second
)

type DeepgramOption func(*Deepgram)

func WithEndpoint(endpoint string) DeepgramOption {
	return func(d *Deepgram) {
		if endpoint != "" {
			d.endpoint = endpoint
		}
	}
}

func WithModel(model string) DeepgramOption {
	return func(d *Deepgram) {
		if model != "" {
			d.model = model
		}
	}
}

// WithEndpointing sets the silence in milliseconds that closes an utterance.
func WithEndpointing(ms int) DeepgramOption {
	return func(d *Deepgram) { d.endpointingMS = ms }
}

// Deepgram streams linear16 audio to the Deepgram live API over a websocket.
type Deepgram struct {
	apiKey        string
	endpoint      string
	model         string
	endpointingMS int
}

func NewDeepgram(apiKey string, opts ...DeepgramOption) (*Deepgram, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	d := &Deepgram{apiKey: apiKey, endpoint: deepgramEndpoint, model: "nova-3", endpointingMS: 100}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Deepgram) buildURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = "multi"
	}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("language", lang)
	if lang == "multi" || lang == "auto" {
		q.Set("language", "multi")
		q.Set("detect_language", "true")
	}
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("utterances", "true")
	q.Set("interim_results", "true")
	q.Set("words", "true")
	q.Set("encoding", "linear16")
	if d.endpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(d.endpointingMS))
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram dial: %v", ErrConnection, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		events: make(chan Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		DetectedLanguage string `json:"detected_language"`
		Alternatives     []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn   *websocket.Conn
	events chan Event
	audio  chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *deepgramStream) Send(pcm []byte) error {
	select {
	case <-s.done:
		return errStreamClosed
	case s.audio <- pcm:
		return nil
	}
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %v", ErrConnection, err)
	}
	s.mu.Unlock()
}

func (s *deepgramStream) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *deepgramStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the server to flush what it has before the socket goes away.
		ctx, cancel := context.WithTimeout(context.Background(), closeStreamTimeout)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.cancel()
		s.wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *deepgramStream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				if !s.closing() {
					s.fail(err)
					s.cancel()
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *deepgramStream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.fail(err)
			}
			return
		}
		evt, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}

func parseDeepgramResponse(data []byte) (Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Event{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return Event{}, false
	}
	alt := resp.Channel.Alternatives[0]
	words := make([]protocol.WordToken, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		words = append(words, protocol.WordToken{
			Word:       word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		})
	}
	lang := resp.Channel.DetectedLanguage
	if lang == "" && len(alt.Languages) > 0 {
		lang = alt.Languages[0]
	}
	return Event{
		Transcript: alt.Transcript,
		IsFinal:    resp.IsFinal,
		Words:      words,
		Confidence: alt.Confidence,
		Language:   lang,
	}, true
}
