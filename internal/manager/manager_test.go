package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/storage"
	"github.com/wagate/wagate/internal/transport"
)

type fakeHandle struct {
	mu        sync.Mutex
	connected bool
	ended     bool
	loggedOut bool
	user      *transport.Identity
	snapshot  map[string]any
	dialGate  chan struct{} // when non-nil, Connect blocks until closed

	onConn func(transport.ConnectionUpdate)
	onCred func()
	onMsg  func(transport.MessagesUpsert)
}

func (h *fakeHandle) OnConnectionUpdate(fn func(transport.ConnectionUpdate)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConn = fn
}

func (h *fakeHandle) OnCredentialsUpdate(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCred = fn
}

func (h *fakeHandle) OnMessagesUpsert(fn func(transport.MessagesUpsert)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsg = fn
}

func (h *fakeHandle) RemoveAllListeners() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConn, h.onCred, h.onMsg = nil, nil, nil
}

func (h *fakeHandle) Connect(ctx context.Context) error {
	h.mu.Lock()
	gate := h.dialGate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	return nil
}

func (h *fakeHandle) SendMessage(ctx context.Context, to, text string) error { return nil }
func (h *fakeHandle) SendPresence(ctx context.Context, state string) error   { return nil }

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *fakeHandle) End() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
	return nil
}

func (h *fakeHandle) CurrentUser() *transport.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

func (h *fakeHandle) CredentialSnapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

func (h *fakeHandle) setUser(id *transport.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user = id
}

func (h *fakeHandle) wasEnded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *fakeHandle) emitConn(u transport.ConnectionUpdate) {
	h.mu.Lock()
	fn := h.onConn
	h.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (h *fakeHandle) emitCred(snapshot map[string]any) {
	h.mu.Lock()
	h.snapshot = snapshot
	fn := h.onCred
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeLib struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	openGate chan struct{} // when non-nil, Open blocks until closed
	dialGate chan struct{} // handed to every new handle's Connect
}

func (f *fakeLib) Open(ctx context.Context, sessionID string, creds transport.CredentialSource) (transport.Handle, error) {
	f.mu.Lock()
	gate := f.openGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	// Open consults the credential state the way a real library would.
	_ = creds.Credentials(ctx)
	f.mu.Lock()
	h := &fakeHandle{dialGate: f.dialGate}
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeLib) FetchProtocolVersion(ctx context.Context) (string, error) {
	return "2.3000.1", nil
}

func (f *fakeLib) InitDefaultCredentials() map[string]any {
	return map[string]any{"registered": false}
}

func (f *fakeLib) DecodeSyncKey(v any) (any, error) { return v, nil }

func (f *fakeLib) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeLib) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		return nil
	}
	return f.handles[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeLib, *credstore.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := credstore.New(db, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	lib := &fakeLib{}
	mgr := New(cfg, Deps{
		Registry: registry.New(),
		Library:  lib,
		Store:    store,
	})
	t.Cleanup(mgr.Stop)
	return mgr, lib, store
}

func TestDuplicateConnectIsNoOp(t *testing.T) {
	mgr, lib, _ := newTestManager(t, Config{ReconnectDelay: time.Hour})
	lib.openGate = make(chan struct{})

	mgr.Connect("main-session")
	mgr.Connect("main-session") // arrives before the first attempt completes
	close(lib.openGate)

	waitFor(t, "first handle", func() bool { return lib.opens() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if lib.opens() != 1 {
		t.Fatalf("expected exactly one transport open, got %d", lib.opens())
	}
}

func TestSupersededHandleEventsAreNoOps(t *testing.T) {
	mgr, lib, _ := newTestManager(t, Config{ReconnectDelay: time.Hour})

	mgr.Connect("main-session")
	waitFor(t, "first handle", func() bool { return lib.opens() == 1 })
	h1 := lib.handle(0)

	// Non-terminal close puts the record into a reconnectable state.
	h1.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Reason: transport.ReasonConnectionLost})
	waitFor(t, "close status", func() bool { return mgr.Status("main-session").Status == registry.StatusClose })

	// The second attempt must detach and close the first handle before its
	// own handle is installed.
	mgr.Connect("main-session")
	waitFor(t, "second handle", func() bool { return lib.opens() == 2 })
	if !h1.wasEnded() {
		t.Fatal("superseded handle must be told to close")
	}

	h2 := lib.handle(1)
	h2.setUser(&transport.Identity{Address: "491700000002", DisplayName: "Real"})
	h2.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	waitFor(t, "open status", func() bool { return mgr.Status("main-session").Status == registry.StatusOpen })

	// A synthetic open on the stale handle must not alter the final record.
	h1.setUser(&transport.Identity{Address: "000", DisplayName: "Stale"})
	h1.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	view := mgr.Status("main-session")
	if view.Identity == nil || view.Identity.Address != "491700000002" {
		t.Fatalf("stale handle mutated the live record: %+v", view)
	}
}

func TestTerminalDisconnectWipesAndRemoves(t *testing.T) {
	mgr, lib, store := newTestManager(t, Config{ReconnectDelay: 20 * time.Millisecond})
	ctx := context.Background()

	mgr.Connect("main-session")
	waitFor(t, "handle", func() bool { return lib.opens() == 1 })
	h := lib.handle(0)
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})

	// Persist a credential snapshot so the wipe has something to delete.
	h.emitCred(map[string]any{"registered": true})
	waitFor(t, "snapshot persisted", func() bool {
		return store.Get(ctx, session.ClassBot, "main-session", "creds", "self") != nil
	})

	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Reason: transport.ReasonLoggedOut})

	if got := mgr.Status("main-session"); got.Status != registry.StatusDisconnected {
		t.Fatalf("terminal disconnect must remove the session, got %v", got.Status)
	}
	if got := store.Get(ctx, session.ClassBot, "main-session", "creds", "self"); got != nil {
		t.Fatal("terminal disconnect must wipe credentials")
	}
	// No reconnect is scheduled for a terminal disconnect.
	time.Sleep(60 * time.Millisecond)
	if lib.opens() != 1 {
		t.Fatalf("terminal disconnect must not reconnect, got %d opens", lib.opens())
	}
}

func TestNonTerminalDisconnectReconnectsOnce(t *testing.T) {
	mgr, lib, store := newTestManager(t, Config{ReconnectDelay: 20 * time.Millisecond})
	ctx := context.Background()

	mgr.Connect("main-session")
	waitFor(t, "handle", func() bool { return lib.opens() == 1 })
	h := lib.handle(0)
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	h.emitCred(map[string]any{"registered": true})
	waitFor(t, "snapshot persisted", func() bool {
		return store.Get(ctx, session.ClassBot, "main-session", "creds", "self") != nil
	})

	// Two close events arm exactly one retry.
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Reason: transport.ReasonConnectionLost})
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Reason: transport.ReasonConnectionLost})

	waitFor(t, "reconnect", func() bool { return lib.opens() == 2 })
	time.Sleep(60 * time.Millisecond)
	if lib.opens() != 2 {
		t.Fatalf("expected exactly one reconnect attempt, got %d opens", lib.opens())
	}
	if got := store.Get(ctx, session.ClassBot, "main-session", "creds", "self"); got == nil {
		t.Fatal("non-terminal disconnect must not wipe credentials")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})
	mgr.Logout(context.Background(), "nonexistent-id")
	if got := mgr.Status("nonexistent-id"); got.Status != registry.StatusDisconnected {
		t.Fatalf("unexpected status %v", got.Status)
	}
	if len(mgr.List()) != 0 {
		t.Fatal("logout of an absent session must not mutate the registry")
	}
}

func TestLogoutTearsDownLiveSession(t *testing.T) {
	mgr, lib, store := newTestManager(t, Config{})
	ctx := context.Background()

	mgr.Connect("user-42")
	waitFor(t, "handle", func() bool { return lib.opens() == 1 })
	h := lib.handle(0)
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	h.emitCred(map[string]any{"registered": true})
	waitFor(t, "snapshot persisted", func() bool {
		return store.Get(ctx, session.ClassUser, "user-42", "creds", "self") != nil
	})

	mgr.Logout(ctx, "user-42")

	h.mu.Lock()
	loggedOut, ended := h.loggedOut, h.ended
	h.mu.Unlock()
	if !loggedOut || !ended {
		t.Fatalf("expected graceful logout and close, got logout=%v end=%v", loggedOut, ended)
	}
	if got := store.Get(ctx, session.ClassUser, "user-42", "creds", "self"); got != nil {
		t.Fatal("logout must wipe credentials")
	}
	if len(mgr.List()) != 0 {
		t.Fatal("logout must remove the registry entry")
	}
}

func TestLogoutDuringDialEndsHandle(t *testing.T) {
	mgr, lib, _ := newTestManager(t, Config{ReconnectDelay: time.Hour})
	lib.dialGate = make(chan struct{})
	ctx := context.Background()

	mgr.Connect("user-42")
	waitFor(t, "handle installed", func() bool { return lib.opens() == 1 })
	h1 := lib.handle(0)

	// Logout lands while the dial is still in flight.
	mgr.Logout(ctx, "user-42")
	if len(mgr.List()) != 0 {
		t.Fatal("logout must remove the registry entry")
	}
	waitFor(t, "in-flight handle ended", func() bool { return h1.wasEnded() })

	// The dial completes afterwards; the orphaned handle must stay down and
	// a fresh connect must own the only live handle.
	close(lib.dialGate)
	lib.mu.Lock()
	lib.dialGate = nil
	lib.mu.Unlock()

	mgr.Connect("user-42")
	waitFor(t, "fresh handle", func() bool { return lib.opens() == 2 })
	h2 := lib.handle(1)
	h2.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	waitFor(t, "open status", func() bool { return mgr.Status("user-42").Status == registry.StatusOpen })
	if !h1.wasEnded() {
		t.Fatal("superseded handle came back alive after its dial finished")
	}
	if h2.wasEnded() {
		t.Fatal("fresh handle must stay live")
	}
}

func TestStopWaitsForInFlightAttempt(t *testing.T) {
	mgr, lib, _ := newTestManager(t, Config{})
	lib.openGate = make(chan struct{})

	mgr.Connect("main-session")
	done := make(chan struct{})
	go func() {
		mgr.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while an attempt was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(lib.openGate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the attempt finished")
	}
	// The attempt's handle was opened after the shutdown began and must not
	// stay live.
	if h := lib.handle(0); h == nil || !h.wasEnded() {
		t.Fatal("handle opened during shutdown must be ended")
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	mgr, lib, _ := newTestManager(t, Config{ReconnectDelay: 20 * time.Millisecond})

	mgr.Connect("main-session")
	if got := mgr.Status("main-session").Status; got != registry.StatusConnecting {
		t.Fatalf("after connect: status %v, want connecting", got)
	}
	waitFor(t, "handle", func() bool { return lib.opens() == 1 })
	h := lib.handle(0)

	h.emitConn(transport.ConnectionUpdate{QR: "challenge-1"})
	view := mgr.Status("main-session")
	if view.Status != registry.StatusWaitingQR || !view.HasQR {
		t.Fatalf("after QR: %+v", view)
	}
	if qr, ok := mgr.QR("main-session"); !ok || qr != "challenge-1" {
		t.Fatalf("QR() = %q, %v", qr, ok)
	}

	// Scan succeeds.
	h.setUser(&transport.Identity{Address: "491700000001", DisplayName: "Gate"})
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	view = mgr.Status("main-session")
	if view.Status != registry.StatusOpen || view.HasQR || view.Identity == nil {
		t.Fatalf("after open: %+v", view)
	}
	if _, ok := mgr.QR("main-session"); ok {
		t.Fatal("QR must be cleared on open")
	}

	// Non-terminal disconnect comes back as a fresh attempt, identity
	// preserved in the snapshot.
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Reason: transport.ReasonReplaced})
	waitFor(t, "reconnect attempt", func() bool {
		return lib.opens() == 2 && mgr.Status("main-session").Status == registry.StatusConnecting
	})
	view = mgr.Status("main-session")
	if view.Identity == nil || view.Identity.Address != "491700000001" {
		t.Fatalf("identity must survive reconnect: %+v", view)
	}
}

func TestCredentialSnapshotsApplyInOrder(t *testing.T) {
	mgr, lib, store := newTestManager(t, Config{})
	ctx := context.Background()

	mgr.Connect("main-session")
	waitFor(t, "handle", func() bool { return lib.opens() == 1 })
	h := lib.handle(0)
	h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})

	for i := 0; i < 5; i++ {
		h.emitCred(map[string]any{"registered": true, "seq": float64(i)})
	}
	waitFor(t, "final snapshot", func() bool {
		raw := store.Get(ctx, session.ClassBot, "main-session", "creds", "self")
		return raw != nil && string(raw) != "" && containsSeq(raw, 4)
	})
}

func containsSeq(raw []byte, want float64) bool {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	seq, _ := v["seq"].(float64)
	return seq == want
}
