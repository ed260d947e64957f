package kvlease

import (
	"testing"

	"github.com/loqalabs/orbit/internal/bus/bustest"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/floor/floortest"
)

func TestKVLeaseStore(t *testing.T) {
	floortest.RunLeaseStore(t, func(t *testing.T) floor.LeaseStore {
		s, err := New(bustest.Start(t), "floor_leases")
		if err != nil {
			t.Fatalf("new kv store: %v", err)
		}
		return s
	})
}

func TestKeyEncoding(t *testing.T) {
	if got := key("room with spaces/and.dots"); got == "" {
		t.Fatal("expected non-empty key")
	}
	if key("a") == key("b") {
		t.Fatal("distinct rooms must map to distinct keys")
	}
}
