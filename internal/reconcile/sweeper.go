// Package reconcile re-ranks queues on a schedule so positions left stale by
// racing creates settle without waiting for the next status change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"queueline/internal/domain"
)

const DefaultSchedule = "0 */5 * * * *"

// SweepActor is recorded as the actor of sweep-triggered events.
const SweepActor = "reconcile"

type QueueLister interface {
	ActiveQueues(ctx context.Context) ([]domain.QueueRef, error)
}

type Recalculator interface {
	RecalculatePositions(ctx context.Context, q domain.QueueRef, excludeID, actorID string) (int, error)
}

type Sweeper struct {
	Queues  QueueLister
	Engine  Recalculator
	Logger  *slog.Logger
	Timeout time.Duration
}

func (s Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run recalculates every queue holding active tickets and returns how many
// positions were rewritten. A failing queue does not stop the others.
func (s Sweeper) Run(ctx context.Context) (int, error) {
	queues, err := s.Queues.ActiveQueues(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active queues: %w", err)
	}
	total := 0
	var errs []error
	for _, q := range queues {
		n, err := s.Engine.RecalculatePositions(ctx, q, "", SweepActor)
		if err != nil {
			s.logger().ErrorContext(ctx, "queue recalculation failed", "tenant_id", q.TenantID, "queue_id", q.QueueID, "error", err)
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Key(), err))
			continue
		}
		if n > 0 {
			s.logger().InfoContext(ctx, "queue positions corrected", "tenant_id", q.TenantID, "queue_id", q.QueueID, "changed", n)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Start schedules the sweep with a seconds-enabled cron spec and starts the
// scheduler. Stop the returned cron to end it.
func Start(schedule string, s Sweeper) (*cron.Cron, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		if s.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		if _, err := s.Run(ctx); err != nil {
			s.logger().Warn("reconcile sweep finished with errors", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reconcile sweep %q: %w", schedule, err)
	}
	c.Start()
	s.logger().Info("reconcile sweep scheduled", "schedule", schedule)
	return c, nil
}
