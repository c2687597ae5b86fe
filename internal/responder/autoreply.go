package responder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/provider"
	"github.com/wagate/wagate/internal/transport"
)

// AutoReplyConfig tunes the automated-reply engine.
type AutoReplyConfig struct {
	SystemPrompt string        `json:"systemPrompt" envconfig:"SYSTEM_PROMPT"`
	NudgeText    string        `json:"nudgeText" envconfig:"NUDGE_TEXT"`
	NudgeAfter   time.Duration `json:"nudgeAfter" envconfig:"NUDGE_AFTER"`
}

// DefaultAutoReplyConfig returns the stock prompt and a disabled nudge.
func DefaultAutoReplyConfig() AutoReplyConfig {
	return AutoReplyConfig{
		SystemPrompt: "You are a concise, friendly assistant answering on a messaging channel. Keep replies short.",
		NudgeAfter:   24 * time.Hour,
	}
}

type conversation struct {
	chat        string
	lastInbound time.Time
	nudged      bool
}

// AutoReply answers inbound messages with a model completion sent back
// through the session's own transport handle.
type AutoReply struct {
	cfg       AutoReplyConfig
	completer provider.Completer
	log       *slog.Logger

	mu    sync.Mutex
	convo map[string]*conversation // keyed by sessionID
}

// NewAutoReply builds the auto-reply engine.
func NewAutoReply(cfg AutoReplyConfig, completer provider.Completer, log *slog.Logger) *AutoReply {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultAutoReplyConfig().SystemPrompt
	}
	if cfg.NudgeAfter <= 0 {
		cfg.NudgeAfter = 24 * time.Hour
	}
	return &AutoReply{
		cfg:       cfg,
		completer: completer,
		log:       log,
		convo:     make(map[string]*conversation),
	}
}

// HandleMessage completes a reply and sends it to the message's chat.
func (a *AutoReply) HandleMessage(ctx context.Context, sessionID string, h transport.Handle, msg transport.Message) error {
	if msg.Text == "" {
		return nil
	}
	a.mu.Lock()
	a.convo[sessionID] = &conversation{chat: msg.Chat, lastInbound: time.Now()}
	a.mu.Unlock()

	reply, err := a.completer.Complete(ctx, a.cfg.SystemPrompt, msg.Text)
	if err != nil {
		return fmt.Errorf("complete reply for %s: %w", sessionID, err)
	}
	if reply == "" {
		return nil
	}
	if err := h.SendMessage(ctx, msg.Chat, reply); err != nil {
		return fmt.Errorf("send reply for %s: %w", sessionID, err)
	}
	a.log.Debug("auto reply sent", "session", sessionID, "chat", msg.Chat)
	return nil
}

// CheckProactive sends one nudge to a conversation that has been quiet for
// longer than the configured window. At most one nudge per quiet period.
func (a *AutoReply) CheckProactive(ctx context.Context, sessionID string, h transport.Handle) error {
	if a.cfg.NudgeText == "" {
		return nil
	}
	a.mu.Lock()
	c := a.convo[sessionID]
	due := c != nil && !c.nudged && time.Since(c.lastInbound) >= a.cfg.NudgeAfter
	if due {
		c.nudged = true
	}
	a.mu.Unlock()
	if !due {
		return nil
	}
	if err := h.SendMessage(ctx, c.chat, a.cfg.NudgeText); err != nil {
		return fmt.Errorf("send nudge for %s: %w", sessionID, err)
	}
	a.log.Info("proactive nudge sent", "session", sessionID, "chat", c.chat)
	return nil
}
