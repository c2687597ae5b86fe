package idmap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wagate/wagate/internal/storage"
	"github.com/wagate/wagate/internal/transport"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestRecordUpsertsAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "acme", transport.Identity{Address: "49151", DisplayName: "Acme"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "acme", transport.Identity{Address: "49152", DisplayName: "Acme GmbH"}); err != nil {
		t.Fatalf("Record update: %v", err)
	}

	id, ok, err := s.Lookup(ctx, "acme")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("mapping not found after record")
	}
	if id.Address != "49152" || id.DisplayName != "Acme GmbH" {
		t.Fatalf("identity = %+v, want updated values", id)
	}
}

func TestLookupMissingTenant(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Lookup(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("missing tenant reported as found")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "acme", transport.Identity{Address: "49151"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Remove(ctx, "acme"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "acme"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, ok, _ := s.Lookup(ctx, "acme"); ok {
		t.Fatal("mapping survived removal")
	}
}
