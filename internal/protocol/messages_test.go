package protocol

import "testing"

func TestSubjectSanitizesTokens(t *testing.T) {
	got := Subject(SubjectChanges, "room.one", "floor_leases")
	if got != "changes.room_one.floor_leases" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := Subject(SubjectPresenceHeartbeat, "abc", "user >*"); got != "presence.heartbeat.abc.user___" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := Token(""); got != "_" {
		t.Fatalf("empty token should map to placeholder, got %q", got)
	}
}
