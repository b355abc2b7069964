// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const jobTimeout = 5 * time.Minute

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Add registers run under spec. Specs take a seconds field or a descriptor
// such as "@every 1m".
func (s *Scheduler) Add(name, spec string, run func(context.Context) error) error {
	if _, err := s.cron.AddFunc(spec, wrap(name, run)); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	log.Info().Str("job", name).Str("schedule", spec).Msg("registered periodic job")
	return nil
}

func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", s.Len()).Msg("cron scheduler started")
}

// Stop waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("cron scheduler stopped")
	case <-ctx.Done():
		log.Warn().Msg("cron scheduler stop timed out with jobs still running")
	}
}

// wrap gives every execution an id, a timeout, timing logs and panic
// recovery.
func wrap(name string, run func(context.Context) error) func() {
	return func() {
		logger := log.With().Str("job", name).Str("execution_id", uuid.NewString()).Logger()
		started := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error().
					Interface("panic", recovered).
					Str("stack", string(debug.Stack())).
					Msg("job panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(started)).Msg("job failed")
			return
		}
		logger.Debug().Dur("duration", time.Since(started)).Msg("job finished")
	}
}
