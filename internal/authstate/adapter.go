package authstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

// Well-known artifact types. TypeCreds is the canonical credential record;
// TypeAppStateSyncKey values additionally pass through the transport
// library's structured deserializer on read.
const (
	TypeCreds           = "creds"
	TypeAppStateSyncKey = "app-state-sync-key"

	credsArtifactID = "self"
)

// Adapter implements transport.CredentialSource for one session. The
// session's storage class is resolved once at construction and reused for
// every read, write, and wipe, so all of a session's data lands in one
// namespace.
type Adapter struct {
	store *credstore.Store
	lib   transport.Library
	id    string
	class session.Class
	log   *slog.Logger
}

// New builds the adapter for sessionID.
func New(store *credstore.Store, lib transport.Library, sessionID string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		store: store,
		lib:   lib,
		id:    sessionID,
		class: session.Classify(sessionID),
		log:   log,
	}
}

// Class returns the storage class resolved for this session.
func (a *Adapter) Class() session.Class { return a.class }

// Credentials returns the canonical credential record, synthesizing fresh
// defaults when nothing is stored. This path never fails the caller: a
// broken stored record is discarded and replaced by defaults.
func (a *Adapter) Credentials(ctx context.Context) map[string]any {
	raw := a.store.Get(ctx, a.class, a.id, TypeCreds, credsArtifactID)
	if raw != nil {
		decoded, err := Decode(raw)
		if err != nil {
			a.log.Warn("stored credentials unreadable, regenerating defaults", "session", a.id, "error", err)
		} else if creds, ok := decoded.(map[string]any); ok {
			return creds
		} else {
			a.log.Warn("stored credentials have unexpected shape, regenerating defaults",
				"session", a.id, "shape", fmt.Sprintf("%T", decoded))
		}
	}
	return a.lib.InitDefaultCredentials()
}

// SaveCredentials persists the canonical credential record.
func (a *Adapter) SaveCredentials(ctx context.Context, creds map[string]any) error {
	data, err := Encode(creds)
	if err != nil {
		return fmt.Errorf("save credentials for %s: %w", a.id, err)
	}
	return a.store.Put(ctx, a.class, a.id, TypeCreds, credsArtifactID, data)
}

// ReadKeys loads artifacts of one type. Missing or unreadable ids are
// absent from the result. Sync-key class artifacts are reconstructed
// through the library's own deserializer after byte-decoding.
func (a *Adapter) ReadKeys(ctx context.Context, artifactType string, ids []string) (map[string]any, error) {
	stored := a.store.GetBatch(ctx, a.class, a.id, artifactType, ids)
	out := make(map[string]any, len(stored))
	for id, raw := range stored {
		decoded, err := Decode(raw)
		if err != nil {
			a.log.Warn("credential artifact unreadable, treating as absent",
				"session", a.id, "type", artifactType, "id", id, "error", err)
			continue
		}
		if artifactType == TypeAppStateSyncKey && decoded != nil {
			decoded, err = a.lib.DecodeSyncKey(decoded)
			if err != nil {
				a.log.Warn("sync key reconstruction failed, treating as absent",
					"session", a.id, "id", id, "error", err)
				continue
			}
		}
		out[id] = decoded
	}
	return out, nil
}

// WriteKeys upserts artifacts of one type; a nil value removes the
// artifact, mirroring the library's removal signal.
func (a *Adapter) WriteKeys(ctx context.Context, artifactType string, values map[string]any) error {
	for id, value := range values {
		if value == nil {
			if err := a.store.Delete(ctx, a.class, a.id, artifactType, id); err != nil {
				return err
			}
			continue
		}
		data, err := Encode(value)
		if err != nil {
			return fmt.Errorf("write key %s/%s for %s: %w", artifactType, id, a.id, err)
		}
		if err := a.store.Put(ctx, a.class, a.id, artifactType, id, data); err != nil {
			return err
		}
	}
	return nil
}

// Wipe removes every durable artifact for this session.
func (a *Adapter) Wipe(ctx context.Context) error {
	return a.store.DeleteSession(ctx, a.class, a.id)
}
