package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/floor/floortest"
	"github.com/loqalabs/orbit/internal/protocol"
)

// openTest connects to ORBIT_TEST_POSTGRES_DSN and starts from empty tables.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ORBIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORBIT_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.pool.Exec(context.Background(), `TRUNCATE floor_leases, segments`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresLeaseStore(t *testing.T) {
	floortest.RunLeaseStore(t, func(t *testing.T) floor.LeaseStore { return openTest(t) })
}

func TestPostgresSegments(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.InsertSegment(ctx, protocol.Segment{ID: "1", RoomID: "abc", SpeakerID: "A", Text: "Hello", IsFinal: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateTranslation(ctx, "1", "Hola", "es"); err != nil {
		t.Fatalf("update: %v", err)
	}
	segs, err := s.ListSegments(ctx, "abc", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(segs) != 1 || segs[0].TranslatedText != "Hola" {
		t.Fatalf("unexpected segments %+v", segs)
	}
}
