package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is a job run every Interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs periodic collection, publishing and maintenance.
type Scheduler struct {
	tasks   []Task
	onError func(task string, err error)
	logger  zerolog.Logger
}

// New creates a new scheduler. Tasks without an interval are dropped.
func New(logger zerolog.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{logger: logger.With().Str("component", "scheduler").Logger()}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			s.logger.Warn().Str("task", t.Name).Msg("task has no interval, skipping")
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	return s
}

// OnError registers a callback for failed runs.
func (s *Scheduler) OnError(fn func(task string, err error)) {
	s.onError = fn
}

// Run runs every task immediately and then on its interval. Blocks until ctx
// is cancelled. A failing run is logged and reported; the task keeps its
// schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("scheduler running")
	_ = g.Wait()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)
	log := s.logger.With().Str("task", t.Name).Dur("took", time.Since(start)).Logger()

	switch {
	case err == nil:
		log.Debug().Msg("task complete")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Debug().Msg("task cancelled")
	default:
		log.Error().Err(err).Msg("task failed")
		if s.onError != nil {
			s.onError(t.Name, err)
		}
	}
}
