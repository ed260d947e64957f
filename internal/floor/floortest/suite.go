// Package floortest holds conformance checks shared by LeaseStore
// implementations.
package floortest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/floor"
)

// RunLeaseStore exercises the conditional write contract of a LeaseStore.
func RunLeaseStore(t *testing.T, newStore func(t *testing.T) floor.LeaseStore) {
	t.Run("InsertOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		until := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

		if _, ok, err := s.Get(ctx, "abc"); err != nil || ok {
			t.Fatalf("expected no lease, ok=%v err=%v", ok, err)
		}
		first, ok, err := s.Swap(ctx, "abc", 0, floor.Lease{HolderID: "A", LeasedUntil: until})
		if err != nil || !ok {
			t.Fatalf("first insert failed ok=%v err=%v", ok, err)
		}
		if first.Version == 0 || first.HolderID != "A" || first.RoomID != "abc" {
			t.Fatalf("unexpected lease %+v", first)
		}
		if _, ok, err := s.Swap(ctx, "abc", 0, floor.Lease{HolderID: "B", LeasedUntil: until}); err != nil || ok {
			t.Fatalf("second insert must lose, ok=%v err=%v", ok, err)
		}
		got, ok, err := s.Get(ctx, "abc")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.HolderID != "A" || got.Version != first.Version {
			t.Fatalf("unexpected stored lease %+v", got)
		}
		if !got.LeasedUntil.Equal(until) {
			t.Fatalf("leased_until mismatch: %v vs %v", got.LeasedUntil, until)
		}
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		until := time.Now().Add(time.Hour)
		first, _, err := s.Swap(ctx, "abc", 0, floor.Lease{HolderID: "A", LeasedUntil: until})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		second, ok, err := s.Swap(ctx, "abc", first.Version, floor.Lease{HolderID: "B", LeasedUntil: until})
		if err != nil || !ok {
			t.Fatalf("swap with current version failed ok=%v err=%v", ok, err)
		}
		if second.Version <= first.Version {
			t.Fatalf("version must increase: %d -> %d", first.Version, second.Version)
		}
		if _, ok, err := s.Swap(ctx, "abc", first.Version, floor.Lease{HolderID: "C", LeasedUntil: until}); err != nil || ok {
			t.Fatalf("stale swap must lose, ok=%v err=%v", ok, err)
		}
	})

	t.Run("ClearVacatesWithoutReusingVersions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		until := time.Now().Add(time.Hour)
		first, _, err := s.Swap(ctx, "abc", 0, floor.Lease{HolderID: "A", LeasedUntil: until})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if ok, err := s.Clear(ctx, "abc", first.Version+5); err != nil || ok {
			t.Fatalf("clear with wrong version must fail, ok=%v err=%v", ok, err)
		}
		if ok, err := s.Clear(ctx, "abc", first.Version); err != nil || !ok {
			t.Fatalf("clear failed ok=%v err=%v", ok, err)
		}
		vacant, ok, err := s.Get(ctx, "abc")
		if err != nil || !ok {
			t.Fatalf("expected vacant row, ok=%v err=%v", ok, err)
		}
		if !vacant.Vacant() || vacant.Version <= first.Version {
			t.Fatalf("unexpected vacant lease %+v", vacant)
		}
		if _, ok, _ := s.Swap(ctx, "abc", first.Version, floor.Lease{HolderID: "B", LeasedUntil: until}); ok {
			t.Fatal("swap against pre-release version must lose")
		}
		if _, ok, err := s.Swap(ctx, "abc", vacant.Version, floor.Lease{HolderID: "B", LeasedUntil: until}); err != nil || !ok {
			t.Fatalf("swap against vacant version failed ok=%v err=%v", ok, err)
		}
	})

	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		until := time.Now().Add(time.Hour)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				<-start
				_, ok, err := s.Swap(ctx, "race", 0, floor.Lease{HolderID: string(rune('A' + id)), LeasedUntil: until})
				if err != nil {
					t.Errorf("swap: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		close(start)
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}
