// Package idmap persists the durable mapping from tenant id to the network
// identity a session resolved to. Written fire-and-forget on open,
// removed on terminal disconnect or logout.
package idmap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wagate/wagate/internal/transport"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_identities (
	tenant_id    TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store persists tenant identity mappings.
type Store struct {
	db *sql.DB
}

// New applies the schema and returns the store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply identity schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record upserts the mapping for tenantID.
func (s *Store) Record(ctx context.Context, tenantID string, identity transport.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_identities (tenant_id, address, display_name, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
			address = excluded.address,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		tenantID, identity.Address, identity.DisplayName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record identity for %s: %w", tenantID, err)
	}
	return nil
}

// Remove deletes the mapping for tenantID. Idempotent.
func (s *Store) Remove(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_identities WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("remove identity for %s: %w", tenantID, err)
	}
	return nil
}

// Lookup returns the mapped identity, or false when none is recorded.
func (s *Store) Lookup(ctx context.Context, tenantID string) (transport.Identity, bool, error) {
	var id transport.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT address, display_name FROM session_identities WHERE tenant_id = ?`, tenantID).
		Scan(&id.Address, &id.DisplayName)
	if err == sql.ErrNoRows {
		return transport.Identity{}, false, nil
	}
	if err != nil {
		return transport.Identity{}, false, fmt.Errorf("lookup identity for %s: %w", tenantID, err)
	}
	return id, true, nil
}
