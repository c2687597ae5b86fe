// Package credstore persists per-session credential artifacts.
//
// Reads degrade to absence on storage failure: a missing credential causes
// the transport to regenerate fresh material, so the gateway favors
// re-authentication over a hard failure. If the database is flaky this can
// cause a herd of re-pairs; that trade-off is deliberate.
package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wagate/wagate/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS bot_credentials (
	session_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	artifact_id   TEXT NOT NULL,
	value         BLOB NOT NULL,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, artifact_type, artifact_id)
);
CREATE TABLE IF NOT EXISTS user_credentials (
	session_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	artifact_id   TEXT NOT NULL,
	value         BLOB NOT NULL,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, artifact_type, artifact_id)
);
CREATE INDEX IF NOT EXISTS idx_bot_credentials_session ON bot_credentials(session_id);
CREATE INDEX IF NOT EXISTS idx_user_credentials_session ON user_credentials(session_id);
`

// Store is the durable credential key-value store, partitioned into one
// table per session class.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New applies the schema and returns a Store over db.
func New(db *sql.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply credential schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func tableFor(class session.Class) string {
	if class == session.ClassUser {
		return "user_credentials"
	}
	return "bot_credentials"
}

// Put upserts one artifact. Idempotent; callers treat failures as
// non-fatal (a missed write degrades a future reconnect, nothing more).
func (s *Store) Put(ctx context.Context, class session.Class, sessionID, artifactType, artifactID string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (session_id, artifact_type, artifact_id, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, artifact_type, artifact_id)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, tableFor(class))
	if _, err := s.db.ExecContext(ctx, q, sessionID, artifactType, artifactID, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("put credential %s/%s/%s: %w", sessionID, artifactType, artifactID, err)
	}
	return nil
}

// Get returns the stored value, or nil when absent. Transient read errors
// also yield nil: the caller regenerates fresh credentials.
func (s *Store) Get(ctx context.Context, class session.Class, sessionID, artifactType, artifactID string) []byte {
	q := fmt.Sprintf(`SELECT value FROM %s WHERE session_id = ? AND artifact_type = ? AND artifact_id = ?`, tableFor(class))
	var value []byte
	err := s.db.QueryRowContext(ctx, q, sessionID, artifactType, artifactID).Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.log.Warn("credential read failed, treating as absent",
			"session", sessionID, "type", artifactType, "id", artifactID, "error", err)
		return nil
	}
	return value
}

// GetBatch returns the stored values for ids. Missing ids are simply absent
// from the result map; a failed query yields an empty map.
func (s *Store) GetBatch(ctx context.Context, class session.Class, sessionID, artifactType string, ids []string) map[string][]byte {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	q := fmt.Sprintf(`SELECT artifact_id, value FROM %s WHERE session_id = ? AND artifact_type = ? AND artifact_id IN (%s)`,
		tableFor(class), placeholders)
	args := make([]any, 0, len(ids)+2)
	args = append(args, sessionID, artifactType)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.log.Warn("credential batch read failed, treating as absent",
			"session", sessionID, "type", artifactType, "error", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			s.log.Warn("credential batch scan failed", "session", sessionID, "error", err)
			continue
		}
		out[id] = value
	}
	return out
}

// Delete removes one artifact. Removing a missing key is not an error.
func (s *Store) Delete(ctx context.Context, class session.Class, sessionID, artifactType, artifactID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE session_id = ? AND artifact_type = ? AND artifact_id = ?`, tableFor(class))
	if _, err := s.db.ExecContext(ctx, q, sessionID, artifactType, artifactID); err != nil {
		return fmt.Errorf("delete credential %s/%s/%s: %w", sessionID, artifactType, artifactID, err)
	}
	return nil
}

// DeleteSession removes every artifact belonging to sessionID. The match is
// against the session_id column only, so "abc" never touches "abc-extra".
func (s *Store) DeleteSession(ctx context.Context, class session.Class, sessionID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, tableFor(class))
	if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
		return fmt.Errorf("delete session credentials %s: %w", sessionID, err)
	}
	return nil
}
