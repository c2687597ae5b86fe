package router

import (
	"context"
	"errors"
	"testing"

	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/transport"
)

type fakePolicy struct {
	allow  bool
	budget bool

	allowedCalls int
	budgetCalls  int
}

func (p *fakePolicy) Allowed(context.Context, string, string) bool {
	p.allowedCalls++
	return p.allow
}

func (p *fakePolicy) ConsumeSendBudget(context.Context, string) bool {
	p.budgetCalls++
	return p.budget
}

type fakeResponder struct {
	handled   []transport.Message
	proactive int
	err       error
}

func (r *fakeResponder) HandleMessage(_ context.Context, _ string, _ transport.Handle, msg transport.Message) error {
	r.handled = append(r.handled, msg)
	return r.err
}

func (r *fakeResponder) CheckProactive(context.Context, string, transport.Handle) error {
	r.proactive++
	return r.err
}

func newTestRouter(t *testing.T, policy *fakePolicy) *Router {
	t.Helper()
	return New(policy, nil)
}

func TestDispatchRoutesByClass(t *testing.T) {
	policy := &fakePolicy{allow: true, budget: true}
	r := newTestRouter(t, policy)
	bot := &fakeResponder{}
	user := &fakeResponder{}
	r.Register(session.ClassBot, bot)
	r.Register(session.ClassUser, user)

	msg := transport.Message{Chat: "123@c", Sender: "123", Text: "hello"}
	if err := r.Dispatch(context.Background(), "support-line", nil, msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := r.Dispatch(context.Background(), "user-acme", nil, msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(bot.handled) != 1 || len(user.handled) != 1 {
		t.Fatalf("handled bot=%d user=%d, want 1 and 1", len(bot.handled), len(user.handled))
	}
}

func TestDispatchDropsDisallowedSender(t *testing.T) {
	policy := &fakePolicy{allow: false, budget: true}
	r := newTestRouter(t, policy)
	rsp := &fakeResponder{}
	r.Register(session.ClassBot, rsp)

	msg := transport.Message{Sender: "stranger", Text: "hi"}
	if err := r.Dispatch(context.Background(), "support-line", nil, msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rsp.handled) != 0 {
		t.Fatalf("responder handled %d messages, want 0", len(rsp.handled))
	}
	if policy.budgetCalls != 0 {
		t.Fatalf("budget consumed for a disallowed sender")
	}
}

func TestDispatchDropsWhenBudgetExhausted(t *testing.T) {
	policy := &fakePolicy{allow: true, budget: false}
	r := newTestRouter(t, policy)
	rsp := &fakeResponder{}
	r.Register(session.ClassBot, rsp)

	msg := transport.Message{Sender: "123", Text: "hi"}
	if err := r.Dispatch(context.Background(), "support-line", nil, msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rsp.handled) != 0 {
		t.Fatalf("responder handled %d messages, want 0", len(rsp.handled))
	}
}

func TestDispatchIgnoresEmptyTextAndMissingClass(t *testing.T) {
	policy := &fakePolicy{allow: true, budget: true}
	r := newTestRouter(t, policy)
	rsp := &fakeResponder{}
	r.Register(session.ClassBot, rsp)

	if err := r.Dispatch(context.Background(), "support-line", nil, transport.Message{Text: "   "}); err != nil {
		t.Fatalf("Dispatch empty text: %v", err)
	}
	// user class has no responder registered here
	if err := r.Dispatch(context.Background(), "user-acme", nil, transport.Message{Text: "hi"}); err != nil {
		t.Fatalf("Dispatch unregistered class: %v", err)
	}
	if len(rsp.handled) != 0 {
		t.Fatalf("responder handled %d messages, want 0", len(rsp.handled))
	}
	if policy.allowedCalls != 0 {
		t.Fatalf("policy consulted %d times before responder lookup, want 0", policy.allowedCalls)
	}
}

func TestDispatchWrapsResponderError(t *testing.T) {
	policy := &fakePolicy{allow: true, budget: true}
	r := newTestRouter(t, policy)
	boom := errors.New("boom")
	r.Register(session.ClassBot, &fakeResponder{err: boom})

	err := r.Dispatch(context.Background(), "support-line", nil, transport.Message{Sender: "123", Text: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("Dispatch error = %v, want wrapped boom", err)
	}
}

func TestProactiveReachesResponder(t *testing.T) {
	policy := &fakePolicy{allow: true, budget: true}
	r := newTestRouter(t, policy)
	rsp := &fakeResponder{}
	r.Register(session.ClassUser, rsp)

	if err := r.Proactive(context.Background(), "user-acme", nil); err != nil {
		t.Fatalf("Proactive: %v", err)
	}
	if err := r.Proactive(context.Background(), "support-line", nil); err != nil {
		t.Fatalf("Proactive unregistered class: %v", err)
	}
	if rsp.proactive != 1 {
		t.Fatalf("proactive calls = %d, want 1", rsp.proactive)
	}
}
