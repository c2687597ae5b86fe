package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wagate/wagate/internal/storage"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db, cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestAllowlistModeBlocksStrangers(t *testing.T) {
	s := newTestStore(t, Config{TargetMode: ModeAllowlist, Allowlist: []string{"49151", " 49152 "}})
	ctx := context.Background()

	if !s.Allowed(ctx, "support-line", "49151") {
		t.Fatal("listed sender must be allowed")
	}
	if !s.Allowed(ctx, "support-line", "49152") {
		t.Fatal("allowlist entries are trimmed")
	}
	if s.Allowed(ctx, "support-line", "unknown") {
		t.Fatal("unlisted sender must be blocked")
	}
}

func TestOpenModeAllowsEveryone(t *testing.T) {
	s := newTestStore(t, Config{TargetMode: ModeOpen})
	if !s.Allowed(context.Background(), "support-line", "anyone") {
		t.Fatal("open mode must allow every sender")
	}
}

func TestSettingsOverrideConfigOnReload(t *testing.T) {
	s := newTestStore(t, Config{TargetMode: ModeAllowlist})
	ctx := context.Background()

	if s.Allowed(ctx, "support-line", "777") {
		t.Fatal("sender allowed before being listed")
	}
	if err := s.SetSetting(ctx, "allowlist", "777, 888"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "target_mode", ModeAllowlist); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	s.Reload(ctx)

	if !s.Allowed(ctx, "support-line", "777") || !s.Allowed(ctx, "support-line", "888") {
		t.Fatal("settings-table allowlist entries must take effect after reload")
	}
}

func TestSendBudgetCapsPerDay(t *testing.T) {
	s := newTestStore(t, Config{TargetMode: ModeOpen, DailySendCap: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !s.ConsumeSendBudget(ctx, "support-line") {
			t.Fatalf("send %d denied under the cap", i+1)
		}
	}
	if s.ConsumeSendBudget(ctx, "support-line") {
		t.Fatal("send over the cap must be denied")
	}
	// other sessions have their own budget
	if !s.ConsumeSendBudget(ctx, "user-acme") {
		t.Fatal("budget must be per session")
	}
}

func TestPruneCountersRemovesAgedRows(t *testing.T) {
	s := newTestStore(t, Config{TargetMode: ModeOpen, RetentionDays: 7})
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO send_stats (session_id, day, count) VALUES (?, ?, ?)`,
		"support-line", "2020-01-01", 5); err != nil {
		t.Fatalf("seed aged row: %v", err)
	}
	s.ConsumeSendBudget(ctx, "support-line")

	n, err := s.PruneCounters(ctx)
	if err != nil {
		t.Fatalf("PruneCounters: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	// today's counter survives
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_stats WHERE session_id = ?`, "support-line").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows after prune = %d, want 1", count)
	}
}
