// Package scheduler drives repeated sync cycles: an immediate first cycle,
// then either a fixed sleep or a cron schedule between runs.
package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"watchsync/internal/config"
	"watchsync/internal/log"
	"watchsync/internal/models"
)

type WatchedSyncer interface {
	SyncWatched(ctx context.Context) (*models.WatchedState, error)
}

type PlaylistSyncer interface {
	Sync(ctx context.Context) (*models.PlaylistState, error)
}

type Runner struct {
	cfg       *config.Config
	watched   WatchedSyncer
	playlists PlaylistSyncer
	logger    zerolog.Logger

	now func() time.Time
}

func New(cfg *config.Config, watched WatchedSyncer, playlists PlaylistSyncer) *Runner {
	return &Runner{
		cfg:       cfg,
		watched:   watched,
		playlists: playlists,
		logger:    log.WithComponent("scheduler"),
		now:       time.Now,
	}
}

// Run executes cycles until the context is cancelled. The first cycle starts
// immediately. Returns nil after a run-once cycle or a clean cancellation.
func (r *Runner) Run(ctx context.Context) error {
	var durations []time.Duration

	for {
		start := r.now()
		r.runCycle(ctx)
		elapsed := r.now().Sub(start)
		durations = append(durations, elapsed)

		r.logger.Info().
			Dur("duration", elapsed).
			Dur("average", average(durations)).
			Int("cycles", len(durations)).
			Msg("sync cycle finished")

		if r.cfg.RunOnlyOnce {
			r.logger.Info().Msg("run-once mode, exiting")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := r.nextWait(r.now())
		r.logger.Info().Dur("wait", wait).Msg("sleeping until next cycle")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runCycle runs one watched sync plus, when enabled, one playlist sync. A
// panic aborts the cycle but not the loop.
func (r *Runner) runCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("sync cycle panicked")
		}
	}()

	if _, err := r.watched.SyncWatched(ctx); err != nil {
		r.logger.Error().Err(err).Msg("watched sync failed")
	}
	if r.cfg.SyncPlaylists && r.playlists != nil {
		if _, err := r.playlists.Sync(ctx); err != nil {
			r.logger.Error().Err(err).Msg("playlist sync failed")
		}
	}
}

// nextWait computes the pause before the next cycle: the cron schedule when
// one is configured, the fixed sleep duration otherwise. Config clears
// SyncCron when the expression does not parse.
func (r *Runner) nextWait(now time.Time) time.Duration {
	if r.cfg.SyncCron != "" {
		if sched, err := cron.ParseStandard(r.cfg.SyncCron); err == nil {
			return sched.Next(now).Sub(now)
		}
	}
	return r.cfg.SleepDuration
}

func average(durations []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
