package floor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/orbit/internal/changefeed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultTTL = time.Hour

// Presence answers whether a participant is actively connected to a room.
type Presence interface {
	Connected(roomID, participantID string) bool
}

type Option func(*Controller)

// WithPresence lets Acquire take the floor from a holder that is no longer
// connected. Without it every unexpired holder counts as present.
func WithPresence(p Presence) Option {
	return func(c *Controller) { c.presence = p }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRenewThreshold skips renewal writes while more than d of the lease
// remains. Zero renews on every call.
func WithRenewThreshold(d time.Duration) Option {
	return func(c *Controller) { c.renewThreshold = d }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller grants, renews and releases floor leases.
type Controller struct {
	store          LeaseStore
	feed           changefeed.Feed
	presence       Presence
	ttl            time.Duration
	renewThreshold time.Duration
	clock          func() time.Time
	log            *slog.Logger
	acquires       metric.Int64Counter
}

func NewController(store LeaseStore, feed changefeed.Feed, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		feed:  feed,
		ttl:   DefaultTTL,
		clock: time.Now,
		log:   log.With(slog.String("component", "floor")),
	}
	for _, opt := range opts {
		opt(c)
	}
	counter, err := otel.Meter("github.com/loqalabs/orbit/floor").Int64Counter("orbit.floor.acquire",
		metric.WithDescription("Floor acquire attempts by result"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	c.acquires = counter
	return c
}

// Acquire tries to make requesterID the holder of roomID. It succeeds when
// the floor is free, the holder is absent, the lease has expired, the
// requester already holds it, or force is set. Contention and store failures
// both yield false; callers decide whether to retry or force.
func (c *Controller) Acquire(ctx context.Context, roomID, requesterID string, force bool) bool {
	cur, exists, err := c.store.Get(ctx, roomID)
	if err != nil {
		c.log.Warn("failed to read lease", slog.String("room_id", roomID), slogError(err))
		c.record(ctx, "error")
		return false
	}
	now := c.clock()
	held := exists && cur.HeldAt(now)
	if held && cur.HolderID != requesterID && !force && c.present(roomID, cur.HolderID) {
		c.record(ctx, "denied")
		return false
	}

	var expect int64
	if exists {
		expect = cur.Version
	}
	next := Lease{RoomID: roomID, HolderID: requesterID, LeasedUntil: now.Add(c.ttl)}
	installed, ok, err := c.store.Swap(ctx, roomID, expect, next)
	if err != nil {
		c.log.Warn("failed to write lease", slog.String("room_id", roomID), slogError(err))
		c.record(ctx, "error")
		return false
	}
	if !ok {
		c.record(ctx, "conflict")
		return false
	}

	if !held || cur.HolderID != requesterID {
		op := changefeed.OpUpdate
		if !exists {
			op = changefeed.OpInsert
		}
		c.notify(ctx, op, installed)
		c.log.Info("floor granted",
			slog.String("room_id", roomID),
			slog.String("holder_id", requesterID),
			slog.Bool("forced", force && held))
	}
	c.record(ctx, "granted")
	return true
}

// Release vacates the floor if requesterID is still the holder. A stale
// release after someone else took over is a no-op.
func (c *Controller) Release(ctx context.Context, roomID, requesterID string) error {
	cur, exists, err := c.store.Get(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: read lease: %v", ErrStore, err)
	}
	if !exists || cur.HolderID != requesterID {
		return nil
	}
	cleared, err := c.store.Clear(ctx, roomID, cur.Version)
	if err != nil {
		return fmt.Errorf("%w: clear lease: %v", ErrStore, err)
	}
	if !cleared {
		return nil
	}
	c.notify(ctx, changefeed.OpUpdate, Lease{RoomID: roomID, Version: cur.Version + 1})
	c.log.Info("floor released", slog.String("room_id", roomID), slog.String("holder_id", requesterID))
	return nil
}

// Renew extends the lease while holderID keeps speaking. It reports whether
// holderID still holds the floor.
func (c *Controller) Renew(ctx context.Context, roomID, holderID string) bool {
	cur, exists, err := c.store.Get(ctx, roomID)
	if err != nil {
		c.log.Warn("failed to read lease", slog.String("room_id", roomID), slogError(err))
		return false
	}
	now := c.clock()
	if !exists || cur.HolderID != holderID || !cur.HeldAt(now) {
		return false
	}
	if c.renewThreshold > 0 && cur.LeasedUntil.Sub(now) > c.renewThreshold {
		return true
	}
	next := Lease{RoomID: roomID, HolderID: holderID, LeasedUntil: now.Add(c.ttl)}
	_, ok, err := c.store.Swap(ctx, roomID, cur.Version, next)
	if err != nil {
		c.log.Warn("failed to renew lease", slog.String("room_id", roomID), slogError(err))
		return false
	}
	return ok
}

// Holder returns the current unexpired lease for roomID.
func (c *Controller) Holder(ctx context.Context, roomID string) (Lease, bool, error) {
	cur, exists, err := c.store.Get(ctx, roomID)
	if err != nil {
		return Lease{}, false, fmt.Errorf("%w: read lease: %v", ErrStore, err)
	}
	if !exists || !cur.HeldAt(c.clock()) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

// Subscribe calls onChange whenever the holder of roomID changes. A vacant
// lease is delivered with an empty HolderID.
func (c *Controller) Subscribe(roomID string, onChange func(Lease)) (func(), error) {
	if c.feed == nil {
		return func() {}, nil
	}
	return c.feed.Subscribe(roomID, func(evt changefeed.Event) {
		if evt.Table != changefeed.TableLeases {
			return
		}
		var lease Lease
		if err := evt.Decode(&lease); err != nil {
			c.log.Warn("failed to decode lease change", slogError(err))
			return
		}
		onChange(lease)
	})
}

func (c *Controller) present(roomID, participantID string) bool {
	if c.presence == nil {
		return true
	}
	return c.presence.Connected(roomID, participantID)
}

func (c *Controller) notify(ctx context.Context, op changefeed.Op, lease Lease) {
	if c.feed == nil {
		return
	}
	evt, err := changefeed.NewEvent(changefeed.TableLeases, op, lease.RoomID, lease)
	if err != nil {
		c.log.Warn("failed to encode lease change", slogError(err))
		return
	}
	if err := c.feed.Publish(ctx, evt); err != nil {
		c.log.Warn("failed to publish lease change", slogError(err))
	}
}

func (c *Controller) record(ctx context.Context, result string) {
	if c.acquires == nil {
		return
	}
	c.acquires.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
