package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Participant struct {
	RoomID    string    `json:"room_id"`
	ID        string    `json:"id"`
	LastSeen  time.Time `json:"last_seen"`
	Connected bool      `json:"connected"`
}

// Registry tracks which participants are actively connected to a room, fed by
// heartbeats from edge clients. A participant that misses heartbeats for
// longer than the configured timeout counts as absent.
type Registry struct {
	cfg   config.PresenceConfig
	log   *slog.Logger
	bus   *bus.Client
	mu    sync.RWMutex
	rooms map[string]map[string]*Participant
	clock func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

// NewRegistry builds a registry. busClient may be nil for a process-local
// registry fed only through Touch and Leave.
func NewRegistry(cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) *Registry {
	return &Registry{
		cfg:   cfg,
		log:   log.With(slog.String("component", "presence")),
		bus:   busClient,
		rooms: make(map[string]map[string]*Participant),
		clock: time.Now,
		meter: otel.Meter("github.com/loqalabs/orbit/presence"),
	}
}

func (r *Registry) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if r.bus != nil {
		if err := r.subscribe(); err != nil {
			cancel()
			return err
		}
	}

	interval := time.Duration(r.cfg.SweepInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	r.wg.Add(1)
	go r.monitor(ctx, interval)
	return nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	hbSub, err := conn.Subscribe(protocol.SubjectPresenceHeartbeat+".>", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, hbSub)

	leaveSub, err := conn.Subscribe(protocol.SubjectPresenceLeave+".>", r.handleLeave)
	if err != nil {
		return fmt.Errorf("subscribe leave: %w", err)
	}
	r.subs = append(r.subs, leaveSub)
	return conn.Flush()
}

func (r *Registry) monitor(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluate()
		}
	}
}

// Announce publishes a heartbeat for a participant and records it locally.
func (r *Registry) Announce(roomID, participantID string) error {
	r.Touch(roomID, participantID)
	if r.bus == nil {
		return nil
	}
	hb := protocol.Heartbeat{RoomID: roomID, ParticipantID: participantID, Timestamp: r.clock().UTC()}
	return r.bus.PublishJSON(protocol.Subject(protocol.SubjectPresenceHeartbeat, roomID, participantID), hb)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("failed to decode heartbeat", slogError(err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb.RoomID, hb.ParticipantID, hb.Timestamp, true)
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("failed to decode leave", slogError(err))
		return
	}
	r.Leave(hb.RoomID, hb.ParticipantID)
}

// Touch records activity for a participant.
func (r *Registry) Touch(roomID, participantID string) {
	r.update(roomID, participantID, r.clock(), true)
}

// Leave marks a participant as disconnected immediately.
func (r *Registry) Leave(roomID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.rooms[roomID][participantID]; ok {
		p.Connected = false
	}
}

func (r *Registry) update(roomID, participantID string, seen time.Time, connected bool) {
	if roomID == "" || participantID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*Participant)
		r.rooms[roomID] = room
	}
	p, ok := room[participantID]
	if !ok {
		p = &Participant{RoomID: roomID, ID: participantID}
		room[participantID] = p
	}
	if seen.After(p.LastSeen) {
		p.LastSeen = seen
	}
	p.Connected = connected
}

func (r *Registry) evaluate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for roomID, room := range r.rooms {
		for id, p := range room {
			if now.Sub(p.LastSeen) > timeout {
				p.Connected = false
			}
			// Forget participants silent for several timeouts.
			if now.Sub(p.LastSeen) > 10*timeout {
				delete(room, id)
			}
		}
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Connected reports whether a participant is actively connected to the room.
func (r *Registry) Connected(roomID, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rooms[roomID][participantID]
	if !ok || !p.Connected {
		return false
	}
	return r.clock().Sub(p.LastSeen) <= time.Duration(r.cfg.HeartbeatTimeout)*time.Millisecond
}

func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Participant
	for _, p := range r.rooms[roomID] {
		out = append(out, *p)
	}
	return out
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("orbit.presence.participants", metric.WithDescription("Connected participants across rooms"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.connectedCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) connectedCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, room := range r.rooms {
		for _, p := range room {
			if p.Connected {
				n++
			}
		}
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
