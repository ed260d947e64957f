package presence

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/bus/bustest"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/protocol"
)

func TestTouchAndTimeout(t *testing.T) {
	r := NewRegistry(config.PresenceConfig{HeartbeatTimeout: 1000, SweepInterval: 100}, nil, bustest.Logger())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	if r.Connected("abc", "A") {
		t.Fatal("unknown participant should not be connected")
	}
	r.Touch("abc", "A")
	if !r.Connected("abc", "A") {
		t.Fatal("expected A connected after touch")
	}
	if r.Connected("other", "A") {
		t.Fatal("presence must be room scoped")
	}

	now = now.Add(1500 * time.Millisecond)
	if r.Connected("abc", "A") {
		t.Fatal("expected A absent after heartbeat timeout")
	}
	r.evaluate()
	if ps := r.Participants("abc"); len(ps) != 1 || ps[0].Connected {
		t.Fatalf("expected A tracked as disconnected, got %+v", ps)
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry(config.PresenceConfig{HeartbeatTimeout: 60000, SweepInterval: 1000}, nil, bustest.Logger())
	r.Touch("abc", "A")
	r.Leave("abc", "A")
	if r.Connected("abc", "A") {
		t.Fatal("expected A disconnected after leave")
	}
}

func TestHeartbeatOverBus(t *testing.T) {
	client := bustest.Start(t)
	r := NewRegistry(config.PresenceConfig{HeartbeatTimeout: 60000, SweepInterval: 1000}, client, bustest.Logger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(r.Close)

	hb := protocol.Heartbeat{RoomID: "abc", ParticipantID: "B", Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(protocol.Subject(protocol.SubjectPresenceHeartbeat, "abc", "B"), hb); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !r.Connected("abc", "B") {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.PublishJSON(protocol.Subject(protocol.SubjectPresenceLeave, "abc", "B"), hb); err != nil {
		t.Fatalf("publish leave: %v", err)
	}
	for r.Connected("abc", "B") {
		if time.Now().After(deadline) {
			t.Fatal("leave not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
