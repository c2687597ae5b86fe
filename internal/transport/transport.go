// Package transport defines the boundary to the messaging-network client
// library: an event-emitting connection handle plus the handful of library
// calls the session core needs. The production implementation lives in the
// wameow subpackage; tests substitute in-memory fakes.
package transport

import (
	"context"
	"time"
)

// Connection is the transition carried by a connection update. An empty
// value means the update carries no state transition (QR-only updates).
type Connection string

const (
	ConnectionConnecting Connection = "connecting"
	ConnectionOpen       Connection = "open"
	ConnectionClose      Connection = "close"
)

// Disconnect reason codes. ReasonLoggedOut is the single terminal code: the
// remote party invalidated the credentials and a reconnect with the same
// material can never succeed. Every other code is retried.
const (
	ReasonConnectionLost = 0
	ReasonLoggedOut      = 401
	ReasonReplaced       = 440
)

// ConnectionUpdate is emitted by a Handle whenever its lifecycle advances.
type ConnectionUpdate struct {
	// QR holds a new pairing challenge when non-empty.
	QR string
	// Connection holds the state transition, if the update carries one.
	Connection Connection
	// Reason is the disconnect reason code, meaningful with ConnectionClose.
	Reason int
}

// Identity describes the network identity a session resolved to on open.
type Identity struct {
	Address     string
	DisplayName string
}

// Message is one inbound message.
type Message struct {
	ID        string
	Chat      string // address replies go to
	Sender    string
	PushName  string
	Text      string
	FromMe    bool
	Timestamp time.Time
}

// Upsert batch kinds. Only live notify batches are routed to responders;
// history appends are not.
const (
	UpsertNotify = "notify"
	UpsertAppend = "append"
)

// MessagesUpsert is a batch of inbound messages.
type MessagesUpsert struct {
	Kind     string
	Messages []Message
}

// Presence states for SendPresence.
const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"
)

// Handle is one live (or connecting) network connection. Event listeners
// must be registered before Connect so no event is lost; RemoveAllListeners
// detaches them, after which the handle emits into the void.
type Handle interface {
	OnConnectionUpdate(fn func(ConnectionUpdate))
	OnCredentialsUpdate(fn func())
	OnMessagesUpsert(fn func(MessagesUpsert))
	RemoveAllListeners()

	// Connect starts the network connection. Listeners wired beforehand
	// receive every event from the first dial onward.
	Connect(ctx context.Context) error

	SendMessage(ctx context.Context, to, text string) error
	SendPresence(ctx context.Context, state string) error
	// Logout performs a graceful protocol-level logout. Best effort.
	Logout(ctx context.Context) error
	// End tears the connection down without a protocol logout.
	End() error

	// CurrentUser returns the resolved identity, nil before open.
	CurrentUser() *Identity
	// CredentialSnapshot returns the current credential material to persist
	// on a credentials-update event.
	CredentialSnapshot() map[string]any
}

// CredentialSource is the library's view of a session's durable credential
// state. The session key-value adapter implements it.
type CredentialSource interface {
	// Credentials returns the canonical credential record, synthesizing
	// defaults on first use. Never fails.
	Credentials(ctx context.Context) map[string]any
	SaveCredentials(ctx context.Context, creds map[string]any) error
	ReadKeys(ctx context.Context, artifactType string, ids []string) (map[string]any, error)
	WriteKeys(ctx context.Context, artifactType string, values map[string]any) error
}

// Library is the client library surface the connection manager consumes.
type Library interface {
	// Open builds an unconnected Handle bound to the session's credential
	// state. The caller wires listeners and then calls Handle.Connect.
	Open(ctx context.Context, sessionID string, creds CredentialSource) (Handle, error)
	FetchProtocolVersion(ctx context.Context) (string, error)
	// InitDefaultCredentials synthesizes fresh default credential material.
	InitDefaultCredentials() map[string]any
	// DecodeSyncKey reconstructs a structured sync-key credential from its
	// decoded JSON form.
	DecodeSyncKey(v any) (any, error)
}
