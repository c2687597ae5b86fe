// Package registry holds the in-memory authoritative map from session id to
// session runtime record. It has no persistence; the connection manager
// rebuilds it on process start.
package registry

import (
	"context"
	"sync"

	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

// Status is the connection state of one session record. The connection
// manager is the single writer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusWaitingQR    Status = "waiting_qr"
	StatusOpen         Status = "open"
	StatusClose        Status = "close"
)

// Record is the runtime state of one session. Fields are guarded by the
// record's own mutex; event handlers from superseded connection attempts
// hold a pointer to a detached record, so their mutations are harmless.
type Record struct {
	id    string
	class session.Class
	epoch uint64

	mu       sync.Mutex
	handle   transport.Handle
	status   Status
	qr       string
	identity *transport.Identity
	release  func(context.Context) error

	// writeMu serializes credential snapshot writes for this session so
	// two credentials-update events cannot race each other's storage I/O.
	writeMu sync.Mutex
}

// NewRecord builds a record in the disconnected state.
func NewRecord(id string, class session.Class, epoch uint64) *Record {
	return &Record{id: id, class: class, epoch: epoch, status: StatusDisconnected}
}

func (r *Record) ID() string           { return r.id }
func (r *Record) Class() session.Class { return r.class }
func (r *Record) Epoch() uint64        { return r.epoch }

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *Record) Handle() transport.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *Record) SetHandle(h transport.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = h
}

func (r *Record) QR() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qr
}

func (r *Record) SetQR(qr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qr = qr
}

func (r *Record) Identity() *transport.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *Record) SetIdentity(id *transport.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = id
}

// Release returns the credential-release hook, set once per connection
// attempt.
func (r *Record) Release() func(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release
}

func (r *Record) SetRelease(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release = fn
}

// LockWrites serializes credential writes for this session.
func (r *Record) LockWrites()   { r.writeMu.Lock() }
func (r *Record) UnlockWrites() { r.writeMu.Unlock() }

// View is the read-only snapshot exposed to callers.
func (r *Record) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{
		ID:       r.id,
		Status:   r.status,
		HasQR:    r.qr != "",
		Identity: r.identity,
	}
}

// View is a point-in-time snapshot of one session.
type View struct {
	ID       string              `json:"id"`
	Status   Status              `json:"status"`
	HasQR    bool                `json:"has_qr"`
	Identity *transport.Identity `json:"identity,omitempty"`
}

// Registry is the mutex-guarded session map. It never blocks on I/O and is
// safe to call from transport event handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Record
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Record)}
}

// Get returns the current record for id, or nil.
func (g *Registry) Get(id string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[id]
}

// Set installs rec as the current record for id.
func (g *Registry) Set(id string, rec *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id] = rec
}

// Delete removes the record for id. Deleting an absent id is a no-op.
func (g *Registry) Delete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

// Snapshot returns a copy of the current records. Sweeps iterate the copy,
// so a concurrent Delete never invalidates their cursor.
func (g *Registry) Snapshot() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.sessions))
	for _, rec := range g.sessions {
		out = append(out, rec)
	}
	return out
}

// List returns a view of every session.
func (g *Registry) List() []View {
	recs := g.Snapshot()
	out := make([]View, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.View())
	}
	return out
}

// Count returns the number of registered sessions.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}
