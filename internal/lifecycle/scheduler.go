package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// Enqueuer schedules lifecycle tasks; satisfied by the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType types.TaskType, payload []byte, notBefore time.Time) (string, error)
}

// SessionExpirer sweeps TTL-expired working-memory sessions.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler periodically enqueues forget and compact tasks for every active
// long-term scope and sweeps expired sessions.
type Scheduler struct {
	queue    Enqueuer
	scopes   vector.ScopeLister
	sessions SessionExpirer
	interval time.Duration
	logger   *log.Logger
}

// NewScheduler constructs the scheduler.
func NewScheduler(queue Enqueuer, scopes vector.ScopeLister, sessions SessionExpirer, interval time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{queue: queue, scopes: scopes, sessions: sessions, interval: interval, logger: logger}
}

// Run blocks until ctx is done, ticking at the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling round.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	if s.sessions != nil {
		n, err := s.sessions.ExpireSessions(ctx, now)
		if err != nil {
			s.logger.Warn("session ttl sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("session ttl sweep removed expired sessions", "count", n)
		}
	}

	scopes, err := s.scopes.Scopes(ctx)
	if err != nil {
		s.logger.Warn("scope enumeration failed", "error", err)
		return
	}
	for _, sc := range scopes {
		payload, err := json.Marshal(types.ScopePayload{Namespace: sc.Namespace, UserID: sc.UserID})
		if err != nil {
			s.logger.Warn("marshal scope payload failed", "error", err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, types.TaskForget, payload, time.Time{}); err != nil {
			s.logger.Warn("enqueue forget failed", "namespace", sc.Namespace, "error", err)
		}
		if _, err := s.queue.Enqueue(ctx, types.TaskCompact, payload, time.Time{}); err != nil {
			s.logger.Warn("enqueue compact failed", "namespace", sc.Namespace, "error", err)
		}
	}
}
