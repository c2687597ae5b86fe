// Package policy holds the allow-listing and sending-health rules the
// message router consults before dispatching to a responder. The router
// treats it as read-only; the only mutation is the daily send counter.
package policy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Target modes. In open mode every sender may trigger a responder; in
// allowlist mode only listed senders may.
const (
	ModeOpen      = "open"
	ModeAllowlist = "allowlist"
)

const schema = `
CREATE TABLE IF NOT EXISTS policy_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS send_stats (
	session_id TEXT NOT NULL,
	day        TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, day)
);
`

// Config seeds the policy store. Settings rows override the config at
// runtime (teacher pattern: file config for defaults, settings for ops).
type Config struct {
	TargetMode    string   `json:"targetMode" envconfig:"TARGET_MODE"`
	Allowlist     []string `json:"allowlist"`
	DailySendCap  int      `json:"dailySendCap" envconfig:"DAILY_SEND_CAP"`
	RetentionDays int      `json:"retentionDays" envconfig:"RETENTION_DAYS"`
}

// DefaultConfig returns safe defaults: allowlist mode with an empty list,
// so a fresh gateway never replies to strangers.
func DefaultConfig() Config {
	return Config{
		TargetMode:    ModeAllowlist,
		DailySendCap:  200,
		RetentionDays: 30,
	}
}

// Store evaluates routing policy against config plus durable settings.
type Store struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	allowlist map[string]bool
	mode      string
}

// New applies the schema and loads the effective allowlist and mode.
func New(db *sql.DB, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TargetMode == "" {
		cfg.TargetMode = ModeAllowlist
	}
	if cfg.DailySendCap <= 0 {
		cfg.DailySendCap = 200
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply policy schema: %w", err)
	}
	s := &Store{db: db, cfg: cfg, log: log}
	s.Reload(context.Background())
	return s, nil
}

// Reload recomputes the effective mode and allowlist from config plus the
// settings table. Call after an operator changes settings.
func (s *Store) Reload(ctx context.Context) {
	mode := s.cfg.TargetMode
	if v, err := s.getSetting(ctx, "target_mode"); err == nil && v != "" {
		mode = v
	}
	allow := make(map[string]bool, len(s.cfg.Allowlist))
	for _, entry := range s.cfg.Allowlist {
		if v := strings.TrimSpace(entry); v != "" {
			allow[v] = true
		}
	}
	if raw, err := s.getSetting(ctx, "allowlist"); err == nil && raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(entry); v != "" {
				allow[v] = true
			}
		}
	}
	s.mu.Lock()
	s.mode, s.allowlist = mode, allow
	s.mu.Unlock()
	s.log.Info("policy reloaded", "mode", mode, "allowlist", len(allow))
}

// SetSetting stores one durable policy setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set policy setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM policy_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Allowed reports whether sender may trigger a responder on sessionID.
func (s *Store) Allowed(ctx context.Context, sessionID, sender string) bool {
	s.mu.RLock()
	mode, allow := s.mode, s.allowlist
	s.mu.RUnlock()
	if mode == ModeOpen {
		return true
	}
	return allow[sender]
}

// ConsumeSendBudget consumes one unit of today's reply budget for
// sessionID, returning false once the daily cap is reached. Storage errors
// degrade to "allow" — a broken counter must not silence the gateway.
func (s *Store) ConsumeSendBudget(ctx context.Context, sessionID string) bool {
	day := time.Now().UTC().Format("2006-01-02")
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_stats (session_id, day, count) VALUES (?, ?, 1)
		 ON CONFLICT(session_id, day) DO UPDATE SET count = count + 1
		 WHERE count < ?`, sessionID, day, s.cfg.DailySendCap)
	if err != nil {
		s.log.Warn("send budget update failed, allowing", "session", sessionID, "error", err)
		return true
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.log.Warn("send budget result unreadable, allowing", "session", sessionID, "error", err)
		return true
	}
	return n > 0
}

// PruneCounters deletes send counters older than the retention window.
// Used by the retention sweep.
func (s *Store) PruneCounters(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Format("2006-01-02")
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_stats WHERE day < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune send stats: %w", err)
	}
	return res.RowsAffected()
}
