// Package responder defines the pluggable per-class handlers the message
// router dispatches to, plus the built-in implementations.
package responder

import (
	"context"

	"github.com/wagate/wagate/internal/transport"
)

// Responder handles routed inbound messages for one session class and may
// initiate proactive outreach when the supervisor asks.
type Responder interface {
	HandleMessage(ctx context.Context, sessionID string, h transport.Handle, msg transport.Message) error
	CheckProactive(ctx context.Context, sessionID string, h transport.Handle) error
}
