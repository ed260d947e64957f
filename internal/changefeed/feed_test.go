package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/bus/bustest"
)

type record struct {
	ID string `json:"id"`
}

func TestMemoryFeedRoomScoped(t *testing.T) {
	feed := NewMemory()
	var got []Event
	unsubscribe, err := feed.Subscribe("abc", func(evt Event) { got = append(got, evt) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt, err := NewEvent(TableSegments, OpInsert, "abc", record{ID: "1"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	other, _ := NewEvent(TableSegments, OpInsert, "xyz", record{ID: "2"})
	_ = feed.Publish(context.Background(), evt)
	_ = feed.Publish(context.Background(), other)

	if len(got) != 1 {
		t.Fatalf("expected 1 event for room abc, got %d", len(got))
	}
	var rec record
	if err := got[0].Decode(&rec); err != nil || rec.ID != "1" {
		t.Fatalf("unexpected record %+v err=%v", rec, err)
	}

	unsubscribe()
	_ = feed.Publish(context.Background(), evt)
	if len(got) != 1 {
		t.Fatalf("expected no delivery after unsubscribe")
	}
}

func TestMemoryFeedHandlerMayPublish(t *testing.T) {
	feed := NewMemory()
	ctx := context.Background()
	var got []string
	unsubscribe, err := feed.Subscribe("abc", func(evt Event) {
		var rec record
		if err := evt.Decode(&rec); err != nil {
			return
		}
		got = append(got, rec.ID)
		if rec.ID == "1" {
			follow, _ := NewEvent(TableSegments, OpUpdate, "abc", record{ID: "2"})
			_ = feed.Publish(ctx, follow)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	evt, _ := NewEvent(TableSegments, OpInsert, "abc", record{ID: "1"})
	done := make(chan struct{})
	go func() {
		_ = feed.Publish(ctx, evt)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish from a handler deadlocked")
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestNATSFeedDeliversInOrder(t *testing.T) {
	feed := NewNATS(bustest.Start(t), bustest.Logger())

	events := make(chan Event, 8)
	unsubscribe, err := feed.Subscribe("room.1", func(evt Event) { events <- evt })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	for _, id := range []string{"a", "b", "c"} {
		evt, _ := NewEvent(TableSegments, OpUpdate, "room.1", record{ID: id})
		if err := feed.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	lease, _ := NewEvent(TableLeases, OpInsert, "room.1", record{ID: "lease"})
	_ = feed.Publish(context.Background(), lease)

	var ids []string
	for len(ids) < 4 {
		select {
		case evt := <-events:
			var rec record
			if err := evt.Decode(&rec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			ids = append(ids, rec.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", ids)
		}
	}
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" || ids[3] != "lease" {
		t.Fatalf("unexpected order %v", ids)
	}
}
