// Package changefeed delivers room-scoped insert/update/delete notifications
// for the lease and segment tables.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

const (
	TableLeases   = "floor_leases"
	TableSegments = "segments"
)

// Event describes one change to a stored record.
type Event struct {
	Table     string          `json:"table"`
	Op        Op              `json:"op"`
	RoomID    string          `json:"room_id"`
	Record    json.RawMessage `json:"record"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals record into an Event.
func NewEvent(table string, op Op, roomID string, record any) (Event, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s record: %w", table, err)
	}
	return Event{Table: table, Op: op, RoomID: roomID, Record: data, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the event record into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Record, v)
}

// Feed is the publish/subscribe contract. Subscribe returns an unsubscribe
// handle. Ordering and concurrency of callbacks depend on the implementation,
// so handlers must guard their own state.
type Feed interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(roomID string, fn func(Event)) (func(), error)
}

// NATSFeed publishes changes on changes.<room>.<table>. Each subscription
// receives its events serially, in publish order.
type NATSFeed struct {
	bus *bus.Client
	log *slog.Logger
}

func NewNATS(busClient *bus.Client, log *slog.Logger) *NATSFeed {
	return &NATSFeed{bus: busClient, log: log.With(slog.String("component", "changefeed"))}
}

func (f *NATSFeed) Publish(_ context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return f.bus.PublishJSON(protocol.Subject(protocol.SubjectChanges, evt.RoomID, evt.Table), evt)
}

func (f *NATSFeed) Subscribe(roomID string, fn func(Event)) (func(), error) {
	subject := protocol.Subject(protocol.SubjectChanges, roomID) + ".>"
	sub, err := f.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.log.Warn("failed to decode change event", slogError(err))
			return
		}
		fn(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Make sure the server knows about the interest before returning.
	if err := f.bus.Conn().Flush(); err != nil {
		f.log.Warn("failed to flush subscription", slogError(err))
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// MemoryFeed is an in-process feed. Publish invokes subscribers synchronously
// on the publishing goroutine.
type MemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	fn func(Event)
}

func NewMemory() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[int]*memorySub)}
}

func (f *MemoryFeed) Publish(_ context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	f.mu.Lock()
	targets := make([]*memorySub, 0, len(f.subs[evt.RoomID]))
	for _, s := range f.subs[evt.RoomID] {
		targets = append(targets, s)
	}
	f.mu.Unlock()

	// Delivery runs on the publisher's goroutine without locks held, so a
	// handler may publish or block on work that publishes. Publishes from
	// different goroutines reach the same handler concurrently.
	for _, s := range targets {
		s.fn(evt)
	}
	return nil
}

func (f *MemoryFeed) Subscribe(roomID string, fn func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[int]*memorySub)
	}
	f.subs[roomID][id] = &memorySub{fn: fn}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[roomID], id)
		if len(f.subs[roomID]) == 0 {
			delete(f.subs, roomID)
		}
	}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
