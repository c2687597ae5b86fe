// Package supervisor runs the periodic liveness sweeps: auto-heal for
// dropped sessions, keep-alive presence pings, proactive-nudge checks, and
// retention pruning of aged send counters. Each sweep is an independent
// ticker loop; one slow or panicking session never blocks the others.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/registry"
)

// Sessions is the connection-manager surface the supervisor drives.
type Sessions interface {
	List() []registry.View
	Connect(sessionID string)
	Ping(ctx context.Context, sessionID string) error
	Nudge(ctx context.Context, sessionID string) error
}

// Pruner removes aged records during the retention sweep.
type Pruner interface {
	PruneCounters(ctx context.Context) (int64, error)
}

// Config holds the sweep cadences. A zero interval disables that sweep.
type Config struct {
	HealInterval      time.Duration `json:"healInterval" envconfig:"HEAL_INTERVAL"`
	KeepAliveInterval time.Duration `json:"keepAliveInterval" envconfig:"KEEP_ALIVE_INTERVAL"`
	NudgeInterval     time.Duration `json:"nudgeInterval" envconfig:"NUDGE_INTERVAL"`
	RetentionInterval time.Duration `json:"retentionInterval" envconfig:"RETENTION_INTERVAL"`
}

// DefaultConfig returns the stock cadences.
func DefaultConfig() Config {
	return Config{
		HealInterval:      2 * time.Minute,
		KeepAliveInterval: 5 * time.Minute,
		NudgeInterval:     15 * time.Minute,
		RetentionInterval: 6 * time.Hour,
	}
}

// Supervisor owns the sweep goroutines.
type Supervisor struct {
	cfg      Config
	sessions Sessions
	pruner   Pruner
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor. Call Start to launch the sweeps.
func New(cfg Config, sessions Sessions, pruner Pruner, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, sessions: sessions, pruner: pruner, log: log}
}

// Start launches one goroutine per enabled sweep.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop(ctx, s.cfg.HealInterval, "auto-heal", s.sweepHeal)
	s.loop(ctx, s.cfg.KeepAliveInterval, "keep-alive", s.sweepKeepAlive)
	s.loop(ctx, s.cfg.NudgeInterval, "nudge", s.sweepNudge)
	s.loop(ctx, s.cfg.RetentionInterval, "retention", s.sweepRetention)
}

// Stop cancels the sweeps and waits for in-flight passes to finish.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, every time.Duration, name string, sweep func(context.Context)) {
	if every <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx)
			}
		}
	}()
	s.log.Debug("sweep started", "sweep", name, "every", every)
}

// sweepHeal reconnects every session that fell out of a live state. The
// manager's own dedup guard makes a redundant Connect a no-op.
func (s *Supervisor) sweepHeal(ctx context.Context) {
	for _, v := range s.sessions.List() {
		if ctx.Err() != nil {
			return
		}
		if v.Status == registry.StatusClose || v.Status == registry.StatusDisconnected {
			s.log.Info("healing dropped session", "session", v.ID, "status", v.Status)
			s.guard(v.ID, func() { s.sessions.Connect(v.ID) })
		}
	}
}

// sweepKeepAlive pings every open session so idle connections stay warm.
func (s *Supervisor) sweepKeepAlive(ctx context.Context) {
	for _, v := range s.sessions.List() {
		if ctx.Err() != nil {
			return
		}
		if v.Status != registry.StatusOpen {
			continue
		}
		id := v.ID
		s.guard(id, func() {
			if err := s.sessions.Ping(ctx, id); err != nil {
				s.log.Warn("keep-alive ping failed", "session", id, "error", err)
			}
		})
	}
}

// sweepNudge gives every open session's responder a proactive-outreach
// opportunity.
func (s *Supervisor) sweepNudge(ctx context.Context) {
	for _, v := range s.sessions.List() {
		if ctx.Err() != nil {
			return
		}
		if v.Status != registry.StatusOpen {
			continue
		}
		id := v.ID
		s.guard(id, func() {
			if err := s.sessions.Nudge(ctx, id); err != nil {
				s.log.Warn("proactive check failed", "session", id, "error", err)
			}
		})
	}
}

// sweepRetention prunes aged send counters.
func (s *Supervisor) sweepRetention(ctx context.Context) {
	if s.pruner == nil {
		return
	}
	n, err := s.pruner.PruneCounters(ctx)
	if err != nil {
		s.log.Warn("retention prune failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned aged send counters", "rows", n)
	}
}

// guard isolates one session's work so a panic cannot kill the sweep loop.
func (s *Supervisor) guard(sessionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", "session", sessionID, "panic", r)
		}
	}()
	fn()
}
