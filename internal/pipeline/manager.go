package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/orbit/internal/config"
)

var (
	ErrClosed = errors.New("pipeline manager closed")
	// ErrNoRecognizer is returned by StartSpeaking when recognition is disabled.
	ErrNoRecognizer = errors.New("speech recognition disabled")
)

// Manager owns one Session per active room.
type Manager struct {
	cfg    config.Config
	deps   Deps
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(parent context.Context, cfg config.Config, deps Deps, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Session returns the room's session, starting it on first use.
func (m *Manager) Session(roomID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[roomID]; ok {
		return s, nil
	}
	s := newSession(m.ctx, roomID, m.cfg, m.deps, m.log)
	if err := s.start(); err != nil {
		s.close()
		return nil, err
	}
	m.sessions[roomID] = s
	m.log.Info("room session started", slog.String("room_id", roomID))
	return s, nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(roomID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[roomID]
	return s, ok
}

// CloseRoom stops and forgets a room session.
func (m *Manager) CloseRoom(roomID string) {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	delete(m.sessions, roomID)
	m.mu.Unlock()
	if ok {
		s.close()
		m.log.Info("room session closed", slog.String("room_id", roomID))
	}
}

func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.cancel()
}

func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}
