// Package wameow implements the transport boundary on top of whatsmeow.
// Device key material lives in whatsmeow's own sqlstore container; the
// gateway's credential store carries the per-session pointer into it (the
// device JID) plus the sync-key artifacts, so a session can be rebuilt on
// any restart from the credential store alone.
package wameow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/wagate/wagate/internal/transport"
)

// SyncKey is the structured form of an app-state sync-key artifact.
type SyncKey struct {
	KeyData     []byte `json:"keyData"`
	Fingerprint []byte `json:"fingerprint"`
	Timestamp   []byte `json:"timestamp"`
}

// Library builds connection handles backed by a shared whatsmeow device
// container.
type Library struct {
	container *sqlstore.Container
	log       *slog.Logger
}

// NewLibrary opens the device container at dbPath. The DSN pragmas match
// the gateway's main store.
func NewLibrary(ctx context.Context, dbPath string, log *slog.Logger) (*Library, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("open device container: %w", err)
	}
	return &Library{container: container, log: log}, nil
}

// Close releases the device container.
func (l *Library) Close() error {
	return l.container.Close()
}

// FetchProtocolVersion reports the protocol version the client library
// speaks. Static in whatsmeow, so this never touches the network.
func (l *Library) FetchProtocolVersion(ctx context.Context) (string, error) {
	return store.GetWAVersion().String(), nil
}

// InitDefaultCredentials synthesizes the empty credential record a fresh
// session starts from. The device JID is filled in after pairing.
func (l *Library) InitDefaultCredentials() map[string]any {
	return map[string]any{"me": "", "pushName": ""}
}

// DecodeSyncKey reconstructs a SyncKey from its decoded JSON form.
func (l *Library) DecodeSyncKey(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encode sync key: %w", err)
	}
	var key SyncKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode sync key: %w", err)
	}
	return &key, nil
}

// Open builds an unconnected handle for sessionID. When the credential
// record carries a device JID the existing device is loaded; otherwise a
// fresh device is created and Connect will run the QR pairing flow.
func (l *Library) Open(ctx context.Context, sessionID string, creds transport.CredentialSource) (transport.Handle, error) {
	var device *store.Device
	record := creds.Credentials(ctx)
	if me, _ := record["me"].(string); me != "" {
		jid, err := types.ParseJID(me)
		if err != nil {
			return nil, fmt.Errorf("stored device jid for %s: %w", sessionID, err)
		}
		device, err = l.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device for %s: %w", sessionID, err)
		}
	}
	if device == nil {
		device = l.container.NewDevice()
	}
	cli := whatsmeow.NewClient(device, waLog.Stdout("Client["+sessionID+"]", "WARN", true))
	return &handle{cli: cli, sessionID: sessionID, log: l.log.With("session", sessionID)}, nil
}

// handle adapts one whatsmeow client to the transport boundary.
type handle struct {
	cli       *whatsmeow.Client
	sessionID string
	log       *slog.Logger

	mu        sync.Mutex
	onConn    func(transport.ConnectionUpdate)
	onCreds   func()
	onMsgs    func(transport.MessagesUpsert)
	handlerID uint32
	qrCancel  context.CancelFunc
}

func (h *handle) OnConnectionUpdate(fn func(transport.ConnectionUpdate)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConn = fn
}

func (h *handle) OnCredentialsUpdate(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCreds = fn
}

func (h *handle) OnMessagesUpsert(fn func(transport.MessagesUpsert)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsgs = fn
}

func (h *handle) RemoveAllListeners() {
	h.mu.Lock()
	h.onConn, h.onCreds, h.onMsgs = nil, nil, nil
	if h.handlerID != 0 {
		h.cli.RemoveEventHandler(h.handlerID)
		h.handlerID = 0
	}
	cancel := h.qrCancel
	h.qrCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *handle) emitConn(u transport.ConnectionUpdate) {
	h.mu.Lock()
	fn := h.onConn
	h.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (h *handle) emitCreds() {
	h.mu.Lock()
	fn := h.onCreds
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *handle) emitMsgs(u transport.MessagesUpsert) {
	h.mu.Lock()
	fn := h.onMsgs
	h.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Connect registers the event bridge and dials. For an unpaired device the
// QR channel must be obtained before the dial, so pairing challenges are
// surfaced as connection updates from the first code onward.
func (h *handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	h.handlerID = h.cli.AddEventHandler(h.bridge)
	h.mu.Unlock()

	if h.cli.Store.ID == nil {
		// Pairing outlives the dial: codes rotate until the user scans one,
		// and whatsmeow closes the channel when its context dies. The channel
		// gets a handle-owned lifetime, ended by End or RemoveAllListeners,
		// never the caller's dial deadline.
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := h.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("qr channel: %w", err)
		}
		h.mu.Lock()
		h.qrCancel = cancel
		h.mu.Unlock()
		go watchQR(qrChan, h.emitConn)
	}
	if err := h.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// watchQR forwards rotating pairing codes until the channel closes.
func watchQR(ch <-chan whatsmeow.QRChannelItem, emit func(transport.ConnectionUpdate)) {
	for evt := range ch {
		if evt.Event == "code" {
			emit(transport.ConnectionUpdate{QR: evt.Code})
		}
	}
}

// bridge maps whatsmeow events onto transport updates.
func (h *handle) bridge(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		h.emitCreds()
	case *events.Connected:
		h.emitCreds()
		h.emitConn(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	case *events.Disconnected:
		h.emitConn(transport.ConnectionUpdate{
			Connection: transport.ConnectionClose,
			Reason:     transport.ReasonConnectionLost,
		})
	case *events.LoggedOut:
		h.emitConn(transport.ConnectionUpdate{
			Connection: transport.ConnectionClose,
			Reason:     transport.ReasonLoggedOut,
		})
	case *events.StreamReplaced:
		h.emitConn(transport.ConnectionUpdate{
			Connection: transport.ConnectionClose,
			Reason:     transport.ReasonReplaced,
		})
	case *events.AppStateSyncComplete:
		h.emitCreds()
	case *events.Message:
		msg := transport.Message{
			ID:        v.Info.ID,
			Chat:      v.Info.Chat.String(),
			Sender:    v.Info.Sender.User,
			PushName:  v.Info.PushName,
			Text:      extractText(v.Message),
			FromMe:    v.Info.IsFromMe,
			Timestamp: v.Info.Timestamp,
		}
		kind := transport.UpsertNotify
		if v.Info.Category == "peer" {
			kind = transport.UpsertAppend
		}
		h.emitMsgs(transport.MessagesUpsert{Kind: kind, Messages: []transport.Message{msg}})
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	return msg.GetExtendedTextMessage().GetText()
}

func (h *handle) SendMessage(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", to, err)
	}
	_, err = h.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (h *handle) SendPresence(ctx context.Context, state string) error {
	presence := types.PresenceAvailable
	if state == transport.PresenceUnavailable {
		presence = types.PresenceUnavailable
	}
	if err := h.cli.SendPresence(ctx, presence); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	return nil
}

func (h *handle) Logout(ctx context.Context) error {
	if err := h.cli.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (h *handle) End() error {
	h.mu.Lock()
	cancel := h.qrCancel
	h.qrCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.cli.Disconnect()
	return nil
}

func (h *handle) CurrentUser() *transport.Identity {
	id := h.cli.Store.ID
	if id == nil {
		return nil
	}
	return &transport.Identity{
		Address:     id.User,
		DisplayName: h.cli.Store.PushName,
	}
}

func (h *handle) CredentialSnapshot() map[string]any {
	record := map[string]any{"me": "", "pushName": ""}
	if id := h.cli.Store.ID; id != nil {
		record["me"] = id.String()
		record["pushName"] = h.cli.Store.PushName
	}
	return record
}
