// Package floor arbitrates which participant may speak in a room. The right to
// speak is a time-bounded lease held in a shared store and changed only through
// compare-and-set writes on the lease version.
package floor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStore wraps lease read/write failures.
	ErrStore = errors.New("floor store error")
	// ErrDenied is the user-facing form of a refused acquire.
	ErrDenied = errors.New("someone else is speaking")
)

// Lease is the floor grant for one room. A vacant lease (empty HolderID) is
// kept after release so that versions never repeat for a room.
type Lease struct {
	RoomID      string    `json:"room_id"`
	HolderID    string    `json:"holder_id"`
	LeasedUntil time.Time `json:"leased_until"`
	Version     int64     `json:"version"`
}

func (l Lease) Vacant() bool {
	return l.HolderID == ""
}

func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.LeasedUntil)
}

// HeldAt reports whether the lease grants the floor to someone at now.
func (l Lease) HeldAt(now time.Time) bool {
	return !l.Vacant() && !l.Expired(now)
}

// LeaseStore is a keyed store with atomic conditional writes.
//
// Swap installs next for roomID only if the stored version equals
// expectVersion, where 0 means no row exists yet. It returns the stored lease
// with its new version and false when another writer got there first.
// Clear vacates the lease under the same condition.
type LeaseStore interface {
	Get(ctx context.Context, roomID string) (Lease, bool, error)
	Swap(ctx context.Context, roomID string, expectVersion int64, next Lease) (Lease, bool, error)
	Clear(ctx context.Context, roomID string, expectVersion int64) (bool, error)
}

// MemoryStore is a process-local LeaseStore.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease)}
}

func (m *MemoryStore) Get(_ context.Context, roomID string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[roomID]
	return l, ok, nil
}

func (m *MemoryStore) Swap(_ context.Context, roomID string, expectVersion int64, next Lease) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[roomID]
	var version int64
	if ok {
		version = cur.Version
	}
	if version != expectVersion {
		return cur, false, nil
	}
	next.RoomID = roomID
	next.Version = version + 1
	m.leases[roomID] = next
	return next, true, nil
}

func (m *MemoryStore) Clear(_ context.Context, roomID string, expectVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[roomID]
	if !ok || cur.Version != expectVersion {
		return false, nil
	}
	m.leases[roomID] = Lease{RoomID: roomID, Version: cur.Version + 1}
	return true, nil
}
