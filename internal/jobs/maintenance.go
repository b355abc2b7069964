package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// rateLimitIdle is how long a client's bucket may sit unused before pruning.
const rateLimitIdle = 10 * time.Minute

type ChallengeSweeper interface {
	Sweep(now time.Time) int
}

type CounterReconciler interface {
	ReconcileCounters(ctx context.Context) (int64, error)
}

type RateLimitPruner interface {
	PruneRateLimits(idle time.Duration) int
}

// Maintenance lists what the scheduler keeps tidy. Nil fields are skipped.
type Maintenance struct {
	Challenges        ChallengeSweeper
	Counters          CounterReconciler
	RateLimits        RateLimitPruner
	SweepSchedule     string
	ReconcileSchedule string
}

func (s *Scheduler) RegisterMaintenance(m Maintenance) error {
	if m.Challenges != nil || m.RateLimits != nil {
		if err := s.Add("sweep", m.SweepSchedule, func(context.Context) error {
			sweep(m.Challenges, m.RateLimits, time.Now())
			return nil
		}); err != nil {
			return err
		}
	}
	if m.Counters != nil && m.ReconcileSchedule != "" {
		if err := s.Add("reconcile-counters", m.ReconcileSchedule, func(ctx context.Context) error {
			_, err := m.Counters.ReconcileCounters(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func sweep(challenges ChallengeSweeper, limits RateLimitPruner, now time.Time) {
	expired, pruned := 0, 0
	if challenges != nil {
		expired = challenges.Sweep(now)
	}
	if limits != nil {
		pruned = limits.PruneRateLimits(rateLimitIdle)
	}
	if expired > 0 || pruned > 0 {
		log.Debug().Int("expired_challenges", expired).Int("pruned_limiters", pruned).Msg("sweep finished")
	}
}
