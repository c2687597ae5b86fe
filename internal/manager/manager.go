// Package manager drives the session connection state machine: it owns the
// mapping from session id to live transport handle, reconciles desired,
// transport, and durable state across reconnects, and guarantees at most
// one live handle per session id.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagate/wagate/internal/authstate"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

// Dispatcher routes inbound messages and proactive checks to responders.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, h transport.Handle, msg transport.Message) error
	Proactive(ctx context.Context, sessionID string, h transport.Handle) error
}

// IdentityMapper records the durable session-to-identity mapping for
// tenant-scoped sessions.
type IdentityMapper interface {
	Record(ctx context.Context, tenantID string, identity transport.Identity) error
	Remove(ctx context.Context, tenantID string) error
}

// Alerter receives best-effort operational notifications.
type Alerter interface {
	SessionTerminated(sessionID string, reason int)
}

// Config holds the manager's timing knobs. The reconnect delay is fixed:
// no backoff growth and no retry cap.
type Config struct {
	ReconnectDelay time.Duration `json:"reconnectDelay" envconfig:"RECONNECT_DELAY"`
	ConnectTimeout time.Duration `json:"connectTimeout" envconfig:"CONNECT_TIMEOUT"`
	LogoutTimeout  time.Duration `json:"logoutTimeout" envconfig:"LOGOUT_TIMEOUT"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 30 * time.Second,
		ConnectTimeout: 60 * time.Second,
		LogoutTimeout:  10 * time.Second,
	}
}

// Deps are the manager's collaborators. Identity, Router, and Alerts are
// optional.
type Deps struct {
	Registry *registry.Registry
	Library  transport.Library
	Store    *credstore.Store
	Identity IdentityMapper
	Router   Dispatcher
	Alerts   Alerter
	Log      *slog.Logger
}

// Manager is the connection state machine.
type Manager struct {
	cfg   Config
	reg   *registry.Registry
	lib   transport.Library
	store *credstore.Store
	idmap IdentityMapper
	route Dispatcher
	alert Alerter
	log   *slog.Logger

	epoch    atomic.Uint64
	attempts sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New builds a Manager.
func New(cfg Config, deps Deps) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 10 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		reg:    deps.Registry,
		lib:    deps.Library,
		store:  deps.Store,
		idmap:  deps.Identity,
		route:  deps.Router,
		alert:  deps.Alerts,
		log:    log,
		timers: make(map[string]*time.Timer),
	}
}

// Connect starts a connection attempt for sessionID. It is a no-op when an
// attempt is already in flight or the session is open, and fire-and-forget
// from the caller's perspective: establishment failures schedule their own
// retries.
func (m *Manager) Connect(sessionID string) {
	rec, ok := m.begin(sessionID)
	if !ok {
		return
	}
	go func() {
		defer m.attempts.Done()
		m.establish(rec)
	}()
}

// begin applies the de-duplication guard and installs the new connecting
// record. The old handle, if any, is detached and told to close strictly
// before the new record goes in, so no window exists where two attached
// handles share one id.
func (m *Manager) begin(sessionID string) (*registry.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, false
	}

	var prevIdentity *transport.Identity
	if cur := m.reg.Get(sessionID); cur != nil {
		switch cur.Status() {
		case registry.StatusOpen, registry.StatusConnecting, registry.StatusWaitingQR:
			// One in-flight attempt per session id.
			return nil, false
		}
		if h := cur.Handle(); h != nil {
			h.RemoveAllListeners()
			if err := h.End(); err != nil {
				m.log.Warn("closing stale handle failed", "session", sessionID, "error", err)
			}
			cur.SetHandle(nil)
		}
		prevIdentity = cur.Identity()
	}

	rec := registry.NewRecord(sessionID, session.Classify(sessionID), m.epoch.Add(1))
	rec.SetStatus(registry.StatusConnecting)
	// Status displays stay informative across reconnects.
	rec.SetIdentity(prevIdentity)
	rec.SetRelease(func(ctx context.Context) error {
		return m.store.DeleteSession(ctx, rec.Class(), sessionID)
	})
	m.reg.Set(sessionID, rec)
	// Counted under the lock so Stop's wait covers every attempt it can see.
	m.attempts.Add(1)
	m.log.Info("session connecting", "session", sessionID, "epoch", rec.Epoch())
	return rec, true
}

// establish performs the slow half of a connection attempt. Any failure is
// logged and retried later; it never takes the process down.
func (m *Manager) establish(rec *registry.Record) {
	sessionID := rec.ID()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.openAndWire(ctx, rec); err != nil {
		m.log.Warn("connection attempt failed", "session", sessionID, "error", err)
		if m.current(rec) {
			rec.SetStatus(registry.StatusClose)
			m.scheduleReconnect(sessionID)
		}
	}
}

func (m *Manager) openAndWire(ctx context.Context, rec *registry.Record) error {
	sessionID := rec.ID()

	version, err := m.lib.FetchProtocolVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetch protocol version: %w", err)
	}
	auth := authstate.New(m.store, m.lib, sessionID, m.log)

	handle, err := m.lib.Open(ctx, sessionID, auth)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	// Install under the manager lock: a concurrent Logout or Stop either
	// invalidates the record before this point or finds the handle attached
	// and tears it down itself. No window exists where the handle is live
	// but invisible.
	m.mu.Lock()
	if m.stopped || !m.current(rec) {
		m.mu.Unlock()
		handle.RemoveAllListeners()
		_ = handle.End()
		return errSuperseded
	}
	rec.SetHandle(handle)
	m.mu.Unlock()

	m.wire(rec, handle, auth)
	if err := handle.Connect(ctx); err != nil {
		handle.RemoveAllListeners()
		_ = handle.End()
		if m.current(rec) {
			rec.SetHandle(nil)
		}
		return fmt.Errorf("connect transport: %w", err)
	}
	// A Logout may have detached the record while the dial was in flight.
	if !m.current(rec) {
		handle.RemoveAllListeners()
		_ = handle.End()
		return errSuperseded
	}
	m.log.Debug("transport dialing", "session", sessionID, "protocol", version)
	return nil
}

var errSuperseded = errors.New("connection attempt superseded")

// current reports whether rec is still the registry's record for its id.
// Handlers from superseded attempts mutate a detached record, which is
// harmless; this check makes the staleness explicit.
func (m *Manager) current(rec *registry.Record) bool {
	cur := m.reg.Get(rec.ID())
	return cur == rec && cur.Epoch() == rec.Epoch()
}

// wire installs the event subscriptions for one connection attempt. Every
// handler closes over rec and re-checks currency before touching shared
// state.
func (m *Manager) wire(rec *registry.Record, h transport.Handle, auth *authstate.Adapter) {
	sessionID := rec.ID()

	h.OnConnectionUpdate(func(u transport.ConnectionUpdate) {
		if !m.current(rec) {
			return
		}
		if u.QR != "" {
			rec.SetQR(u.QR)
			rec.SetStatus(registry.StatusWaitingQR)
			m.log.Info("pairing challenge issued", "session", sessionID)
		}
		switch u.Connection {
		case transport.ConnectionConnecting:
			rec.SetStatus(registry.StatusConnecting)
		case transport.ConnectionOpen:
			rec.SetQR("")
			rec.SetStatus(registry.StatusOpen)
			if who := h.CurrentUser(); who != nil {
				rec.SetIdentity(who)
				m.recordIdentity(sessionID, *who)
			}
			m.log.Info("session open", "session", sessionID)
		case transport.ConnectionClose:
			rec.SetQR("")
			if u.Reason == transport.ReasonLoggedOut {
				m.terminate(rec, u.Reason)
				return
			}
			rec.SetStatus(registry.StatusClose)
			m.log.Warn("session closed, reconnecting", "session", sessionID, "reason", u.Reason)
			m.scheduleReconnect(sessionID)
		}
	})

	h.OnCredentialsUpdate(func() {
		if !m.current(rec) {
			return
		}
		// Writes are serialized per session and awaited before the handler
		// returns, so snapshots land in arrival order.
		rec.LockWrites()
		defer rec.UnlockWrites()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if err := auth.SaveCredentials(ctx, h.CredentialSnapshot()); err != nil {
			m.log.Warn("credential snapshot write failed", "session", sessionID, "error", err)
		}
	})

	h.OnMessagesUpsert(func(batch transport.MessagesUpsert) {
		if !m.current(rec) {
			return
		}
		if batch.Kind != transport.UpsertNotify {
			return
		}
		for _, msg := range batch.Messages {
			if msg.FromMe {
				continue
			}
			m.dispatch(sessionID, h, msg)
		}
	})
}

// dispatch hands one message to the router. Failures, including panics,
// are contained per message so siblings and the connection stay healthy.
func (m *Manager) dispatch(sessionID string, h transport.Handle, msg transport.Message) {
	if m.route == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("message dispatch panicked", "session", sessionID, "message", msg.ID, "panic", r)
			}
		}()
		if err := m.route.Dispatch(context.Background(), sessionID, h, msg); err != nil {
			m.log.Warn("message dispatch failed", "session", sessionID, "message", msg.ID, "error", err)
		}
	}()
}

// recordIdentity persists the tenant-to-identity mapping. Fire and forget;
// a failure degrades lookups, not the connection.
func (m *Manager) recordIdentity(sessionID string, who transport.Identity) {
	tenant, ok := session.TenantID(sessionID)
	if !ok || m.idmap == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LogoutTimeout)
		defer cancel()
		if err := m.idmap.Record(ctx, tenant, who); err != nil {
			m.log.Warn("identity mapping write failed", "session", sessionID, "error", err)
		}
	}()
}

// terminate handles a terminal disconnect: the remote party invalidated the
// credentials, so they are wiped and the session leaves the registry.
// Cleanup steps are best effort; failures are logged, not retried.
func (m *Manager) terminate(rec *registry.Record, reason int) {
	sessionID := rec.ID()
	m.log.Warn("session terminally disconnected", "session", sessionID, "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LogoutTimeout)
	defer cancel()

	if tenant, ok := session.TenantID(sessionID); ok && m.idmap != nil {
		if err := m.idmap.Remove(ctx, tenant); err != nil {
			m.log.Warn("identity mapping removal failed", "session", sessionID, "error", err)
		}
	}
	if release := rec.Release(); release != nil {
		if err := release(ctx); err != nil {
			m.log.Warn("credential release failed", "session", sessionID, "error", err)
		}
	}
	if h := rec.Handle(); h != nil {
		h.RemoveAllListeners()
		_ = h.End()
		rec.SetHandle(nil)
	}
	if m.current(rec) {
		m.reg.Delete(sessionID)
	}
	m.cancelTimer(sessionID)
	if m.alert != nil {
		m.alert.SessionTerminated(sessionID, reason)
	}
}

// scheduleReconnect arms at most one delayed reconnect per session id.
func (m *Manager) scheduleReconnect(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, armed := m.timers[sessionID]; armed {
		return
	}
	m.timers[sessionID] = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		delete(m.timers, sessionID)
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		m.Connect(sessionID)
	})
}

func (m *Manager) cancelTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// Logout gracefully logs the session out, wipes its credentials, and
// removes it from the registry. Idempotent: absent sessions are a no-op.
// The detach happens under the manager lock, so an in-flight connection
// attempt either sees the record gone or this call sees its handle.
func (m *Manager) Logout(ctx context.Context, sessionID string) {
	m.mu.Lock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
	rec := m.reg.Get(sessionID)
	var h transport.Handle
	if rec != nil {
		h = rec.Handle()
		rec.SetHandle(nil)
		m.reg.Delete(sessionID)
	}
	m.mu.Unlock()
	if rec == nil {
		return
	}

	if h != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
		if err := h.Logout(lctx); err != nil {
			m.log.Warn("protocol logout failed", "session", sessionID, "error", err)
		}
		cancel()
		h.RemoveAllListeners()
		_ = h.End()
	}
	if tenant, ok := session.TenantID(sessionID); ok && m.idmap != nil {
		if err := m.idmap.Remove(ctx, tenant); err != nil {
			m.log.Warn("identity mapping removal failed", "session", sessionID, "error", err)
		}
	}
	if release := rec.Release(); release != nil {
		if err := release(ctx); err != nil {
			m.log.Warn("credential release failed", "session", sessionID, "error", err)
		}
	}
	m.log.Info("session logged out", "session", sessionID)
}

// Status returns a best-effort snapshot. Unknown ids yield a disconnected
// placeholder, never an error.
func (m *Manager) Status(sessionID string) registry.View {
	if rec := m.reg.Get(sessionID); rec != nil {
		return rec.View()
	}
	return registry.View{ID: sessionID, Status: registry.StatusDisconnected}
}

// QR returns the pending pairing challenge, if one is waiting.
func (m *Manager) QR(sessionID string) (string, bool) {
	rec := m.reg.Get(sessionID)
	if rec == nil {
		return "", false
	}
	qr := rec.QR()
	return qr, qr != ""
}

// List returns a snapshot of every session.
func (m *Manager) List() []registry.View {
	return m.reg.List()
}

// SendText sends an outbound text through the session's live handle.
func (m *Manager) SendText(ctx context.Context, sessionID, to, text string) error {
	rec := m.reg.Get(sessionID)
	if rec == nil || rec.Status() != registry.StatusOpen {
		return fmt.Errorf("session %s is not open", sessionID)
	}
	h := rec.Handle()
	if h == nil {
		return fmt.Errorf("session %s has no live handle", sessionID)
	}
	return h.SendMessage(ctx, to, text)
}

// Ping sends a lightweight presence update on an open session. Used by the
// keep-alive sweep.
func (m *Manager) Ping(ctx context.Context, sessionID string) error {
	rec := m.reg.Get(sessionID)
	if rec == nil || rec.Status() != registry.StatusOpen {
		return nil
	}
	h := rec.Handle()
	if h == nil {
		return nil
	}
	return h.SendPresence(ctx, transport.PresenceAvailable)
}

// Nudge runs the responder's proactive check for an open session.
func (m *Manager) Nudge(ctx context.Context, sessionID string) error {
	if m.route == nil {
		return nil
	}
	rec := m.reg.Get(sessionID)
	if rec == nil || rec.Status() != registry.StatusOpen {
		return nil
	}
	h := rec.Handle()
	if h == nil {
		return nil
	}
	return m.route.Proactive(ctx, sessionID, h)
}

// Stop cancels every pending reconnect timer, waits out in-flight
// connection attempts, and tears down all live handles. Shutdown is
// deterministic: no timer fires and no handle dials after Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.attempts.Wait()

	for _, rec := range m.reg.Snapshot() {
		if h := rec.Handle(); h != nil {
			h.RemoveAllListeners()
			_ = h.End()
			rec.SetHandle(nil)
		}
		rec.SetStatus(registry.StatusClose)
	}
	m.log.Info("connection manager stopped")
}
