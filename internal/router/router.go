// Package router fans inbound messages out to the responder registered for
// the session's class, after the policy layer has cleared the sender and
// the session's sending budget.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/wagate/wagate/internal/responder"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

// Policy is the slice of the policy store the router consults.
type Policy interface {
	Allowed(ctx context.Context, sessionID, sender string) bool
	ConsumeSendBudget(ctx context.Context, sessionID string) bool
}

// Router dispatches messages to per-class responders.
type Router struct {
	policy     Policy
	responders map[session.Class]responder.Responder
	log        *slog.Logger
}

// New builds an empty router. Register responders before first dispatch.
func New(policy Policy, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		policy:     policy,
		responders: make(map[session.Class]responder.Responder),
		log:        log,
	}
}

// Register binds a responder to a session class, replacing any previous one.
func (r *Router) Register(class session.Class, rsp responder.Responder) {
	r.responders[class] = rsp
}

// Dispatch routes one inbound message. Messages from unregistered classes,
// disallowed senders, or sessions over their daily budget are dropped
// silently (logged, not errored): a drop is policy, not failure.
func (r *Router) Dispatch(ctx context.Context, sessionID string, h transport.Handle, msg transport.Message) error {
	trace := uuid.NewString()
	log := r.log.With("trace", trace, "session", sessionID, "chat", msg.Chat)

	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	class := session.Classify(sessionID)
	rsp, ok := r.responders[class]
	if !ok {
		log.Debug("no responder for class, dropping", "class", class.String())
		return nil
	}
	if !r.policy.Allowed(ctx, sessionID, msg.Sender) {
		log.Debug("sender not allowed, dropping", "sender", msg.Sender)
		return nil
	}
	if !r.policy.ConsumeSendBudget(ctx, sessionID) {
		log.Warn("daily send budget exhausted, dropping")
		return nil
	}
	if err := rsp.HandleMessage(ctx, sessionID, h, msg); err != nil {
		return fmt.Errorf("responder for %s: %w", class.String(), err)
	}
	log.Debug("message dispatched", "class", class.String())
	return nil
}

// Proactive asks the session's responder whether outreach is due. The
// responder decides; the router only locates it by class.
func (r *Router) Proactive(ctx context.Context, sessionID string, h transport.Handle) error {
	class := session.Classify(sessionID)
	rsp, ok := r.responders[class]
	if !ok {
		return nil
	}
	if err := rsp.CheckProactive(ctx, sessionID, h); err != nil {
		return fmt.Errorf("proactive check for %s: %w", class.String(), err)
	}
	return nil
}
