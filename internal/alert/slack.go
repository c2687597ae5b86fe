// Package alert posts operational notifications to Slack. Alerting is best
// effort: a failed post is logged and dropped, never surfaced to the
// session core.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/wagate/wagate/internal/transport"
)

// Config enables the Slack notifier. An empty token disables it.
type Config struct {
	Token   string `json:"token" envconfig:"TOKEN"`
	Channel string `json:"channel" envconfig:"CHANNEL"`
}

// Notifier posts session lifecycle alerts to a Slack channel.
type Notifier struct {
	api     *slack.Client
	channel string
	log     *slog.Logger
}

// New builds a Notifier, or nil when no token is configured. A nil Notifier
// is safe to call.
func New(cfg Config, log *slog.Logger) *Notifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		api:     slack.New(cfg.Token),
		channel: cfg.Channel,
		log:     log,
	}
}

// SessionTerminated reports a terminal disconnect so an operator can
// re-pair the session.
func (n *Notifier) SessionTerminated(sessionID string, reason int) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":warning: session `%s` terminated (reason %d); re-pairing required", sessionID, reason)
	if reason == transport.ReasonLoggedOut {
		text = fmt.Sprintf(":warning: session `%s` was logged out remotely; credentials wiped, re-pair to restore", sessionID)
	}
	n.post(text)
}

func (n *Notifier) post(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.log.Warn("slack alert failed", "error", err)
	}
}
