package floor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/changefeed"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePresence struct {
	mu        sync.Mutex
	connected map[string]bool
}

func (p *fakePresence) set(id string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		p.connected = make(map[string]bool)
	}
	p.connected[id] = connected
}

func (p *fakePresence) Connected(_, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[id]
}

func TestAcquireScenario(t *testing.T) {
	ctx := context.Background()
	presence := &fakePresence{}
	presence.set("A", true)
	presence.set("B", true)
	c := NewController(NewMemoryStore(), changefeed.NewMemory(), newLogger(), WithPresence(presence))

	if !c.Acquire(ctx, "abc", "A", false) {
		t.Fatal("A should acquire a free floor")
	}
	if c.Acquire(ctx, "abc", "B", false) {
		t.Fatal("B must be denied while A is speaking")
	}
	presence.set("A", false)
	if !c.Acquire(ctx, "abc", "B", true) {
		t.Fatal("B should take the floor with force")
	}
	lease, ok, err := c.Holder(ctx, "abc")
	if err != nil || !ok || lease.HolderID != "B" {
		t.Fatalf("expected B holding, got %+v ok=%v err=%v", lease, ok, err)
	}
}

func TestAcquireFromAbsentHolder(t *testing.T) {
	ctx := context.Background()
	presence := &fakePresence{}
	presence.set("A", true)
	c := NewController(NewMemoryStore(), nil, newLogger(), WithPresence(presence))

	if !c.Acquire(ctx, "abc", "A", false) {
		t.Fatal("A should acquire")
	}
	presence.set("A", false)
	if !c.Acquire(ctx, "abc", "B", false) {
		t.Fatal("B should acquire when A is not connected")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(NewMemoryStore(), nil, newLogger(),
		WithTTL(time.Minute),
		WithClock(func() time.Time { return now }))

	if !c.Acquire(ctx, "abc", "A", false) {
		t.Fatal("A should acquire")
	}
	if c.Acquire(ctx, "abc", "B", false) {
		t.Fatal("B denied before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := c.Holder(ctx, "abc"); ok {
		t.Fatal("expired lease must not report a holder")
	}
	if !c.Acquire(ctx, "abc", "B", false) {
		t.Fatal("B should acquire after expiry")
	}
}

func TestReacquireByHolderRenews(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(NewMemoryStore(), nil, newLogger(),
		WithTTL(time.Hour),
		WithClock(func() time.Time { return now }))
	c.Acquire(ctx, "abc", "A", false)
	now = now.Add(30 * time.Minute)
	if !c.Acquire(ctx, "abc", "A", false) {
		t.Fatal("holder re-acquire should succeed")
	}
	lease, _, _ := c.Holder(ctx, "abc")
	if !lease.LeasedUntil.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected renewed lease, got %v", lease.LeasedUntil)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewMemoryStore(), nil, newLogger())
	c.Acquire(ctx, "abc", "A", false)
	c.Acquire(ctx, "abc", "B", true)

	if err := c.Release(ctx, "abc", "A"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	lease, ok, _ := c.Holder(ctx, "abc")
	if !ok || lease.HolderID != "B" {
		t.Fatalf("stale release clobbered holder: %+v", lease)
	}
	if err := c.Release(ctx, "abc", "B"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := c.Holder(ctx, "abc"); ok {
		t.Fatal("expected vacant floor")
	}
	if !c.Acquire(ctx, "abc", "C", false) {
		t.Fatal("C should acquire vacant floor")
	}
}

func TestRenewThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	c := NewController(store, nil, newLogger(),
		WithTTL(time.Hour),
		WithRenewThreshold(30*time.Minute),
		WithClock(func() time.Time { return now }))
	c.Acquire(ctx, "abc", "A", false)
	before, _, _ := store.Get(ctx, "abc")

	now = now.Add(10 * time.Minute)
	if !c.Renew(ctx, "abc", "A") {
		t.Fatal("renew should report holder")
	}
	if after, _, _ := store.Get(ctx, "abc"); after.Version != before.Version {
		t.Fatal("renew within threshold must not write")
	}

	now = now.Add(40 * time.Minute)
	if !c.Renew(ctx, "abc", "A") {
		t.Fatal("renew should succeed")
	}
	after, _, _ := store.Get(ctx, "abc")
	if after.Version == before.Version || !after.LeasedUntil.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected renewed lease, got %+v", after)
	}
	if c.Renew(ctx, "abc", "B") {
		t.Fatal("non-holder renew must fail")
	}
}

func TestRenewWithoutThresholdExtends(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	c := NewController(store, nil, newLogger(),
		WithTTL(time.Minute),
		WithClock(func() time.Time { return now }))
	c.Acquire(ctx, "abc", "A", false)

	for i := 0; i < 3; i++ {
		now = now.Add(40 * time.Second)
		if !c.Renew(ctx, "abc", "A") {
			t.Fatalf("renew %d should keep the floor", i)
		}
	}
	lease, held, err := c.Holder(ctx, "abc")
	if err != nil || !held || lease.HolderID != "A" {
		t.Fatalf("holder lost the floor: %+v held=%v err=%v", lease, held, err)
	}
	if !lease.LeasedUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected lease extended from the last renew, got %v", lease.LeasedUntil)
	}
}

func TestSubscribeHolderChanges(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewMemoryStore(), changefeed.NewMemory(), newLogger())

	var holders []string
	unsubscribe, err := c.Subscribe("abc", func(l Lease) { holders = append(holders, l.HolderID) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.Acquire(ctx, "abc", "A", false)
	c.Acquire(ctx, "abc", "A", false) // renewal, no holder change
	c.Acquire(ctx, "abc", "B", true)
	_ = c.Release(ctx, "abc", "B")
	unsubscribe()
	c.Acquire(ctx, "abc", "C", false)

	want := []string{"A", "B", ""}
	if len(holders) != len(want) {
		t.Fatalf("expected %v, got %v", want, holders)
	}
	for i := range want {
		if holders[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, holders)
		}
	}
}

// barrierStore makes every caller observe the same pre-state before anyone
// writes.
type barrierStore struct {
	*MemoryStore
	wg *sync.WaitGroup
}

func (b barrierStore) Get(ctx context.Context, roomID string) (Lease, bool, error) {
	l, ok, err := b.MemoryStore.Get(ctx, roomID)
	b.wg.Done()
	b.wg.Wait()
	return l, ok, err
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	const requesters = 10
	var barrier sync.WaitGroup
	barrier.Add(requesters)
	c := NewController(barrierStore{MemoryStore: NewMemoryStore(), wg: &barrier}, nil, newLogger())

	results := make(chan bool, requesters)
	for i := 0; i < requesters; i++ {
		go func(id int) {
			results <- c.Acquire(context.Background(), "abc", string(rune('A'+id)), true)
		}(i)
	}
	wins := 0
	for i := 0; i < requesters; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected a single winner for one pre-state, got %d", wins)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (Lease, bool, error) {
	return Lease{}, false, errors.New("network down")
}
func (failingStore) Swap(context.Context, string, int64, Lease) (Lease, bool, error) {
	return Lease{}, false, errors.New("network down")
}
func (failingStore) Clear(context.Context, string, int64) (bool, error) {
	return false, errors.New("network down")
}

func TestStoreErrors(t *testing.T) {
	c := NewController(failingStore{}, nil, newLogger())
	if c.Acquire(context.Background(), "abc", "A", true) {
		t.Fatal("store failure must surface as failed acquire")
	}
	if err := c.Release(context.Background(), "abc", "A"); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}
