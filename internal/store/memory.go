package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/protocol"
)

// Memory keeps leases and segments in process memory. It backs the memory
// driver and tests.
type Memory struct {
	*floor.MemoryStore
	mu       sync.RWMutex
	segments map[string]protocol.Segment
}

func NewMemory() *Memory {
	return &Memory{MemoryStore: floor.NewMemoryStore(), segments: make(map[string]protocol.Segment)}
}

func (m *Memory) InsertSegment(_ context.Context, seg protocol.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	m.segments[seg.ID] = seg
	return nil
}

func (m *Memory) UpdateTranslation(_ context.Context, id, translatedText, targetLanguage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return ErrNotFound
	}
	if seg.TranslatedText != "" {
		return ErrAlreadyTranslated
	}
	seg.TranslatedText = translatedText
	seg.TargetLanguage = targetLanguage
	m.segments[id] = seg
	return nil
}

func (m *Memory) GetSegment(_ context.Context, id string) (protocol.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segments[id]
	if !ok {
		return protocol.Segment{}, ErrNotFound
	}
	return seg, nil
}

func (m *Memory) ListSegments(_ context.Context, roomID string, limit int) ([]protocol.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []protocol.Segment
	for _, seg := range m.segments {
		if seg.RoomID == roomID {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
