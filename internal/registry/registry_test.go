package registry

import (
	"testing"

	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

func TestSetGetDelete(t *testing.T) {
	reg := New()
	rec := NewRecord("main-session", session.ClassBot, 1)
	reg.Set("main-session", rec)

	if got := reg.Get("main-session"); got != rec {
		t.Fatal("expected the installed record back")
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}
	reg.Delete("main-session")
	if reg.Get("main-session") != nil {
		t.Fatal("expected nil after delete")
	}
	// Deleting an absent id is a no-op.
	reg.Delete("main-session")
}

func TestSnapshotSurvivesConcurrentDelete(t *testing.T) {
	reg := New()
	for _, id := range []string{"a", "b", "c"} {
		reg.Set(id, NewRecord(id, session.ClassBot, 1))
	}
	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	reg.Delete("b")
	// The snapshot still holds three records; iterating it must not panic
	// or observe the deletion.
	seen := 0
	for _, rec := range snap {
		_ = rec.View()
		seen++
	}
	if seen != 3 {
		t.Fatalf("iterated %d records, want 3", seen)
	}
}

func TestViewReflectsRecordState(t *testing.T) {
	rec := NewRecord("user-9", session.ClassUser, 3)
	rec.SetStatus(StatusWaitingQR)
	rec.SetQR("challenge-blob")
	v := rec.View()
	if v.Status != StatusWaitingQR || !v.HasQR || v.Identity != nil {
		t.Fatalf("unexpected view: %+v", v)
	}

	rec.SetQR("")
	rec.SetStatus(StatusOpen)
	rec.SetIdentity(&transport.Identity{Address: "491700000001", DisplayName: "Gate"})
	v = rec.View()
	if v.Status != StatusOpen || v.HasQR || v.Identity == nil || v.Identity.Address != "491700000001" {
		t.Fatalf("unexpected view after open: %+v", v)
	}
}
