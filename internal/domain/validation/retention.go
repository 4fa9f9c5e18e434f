package validation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Retention deletes stored results older than a fixed window on a cron
// schedule.
type Retention struct {
	repo   ResultRepository
	window time.Duration
	logger zerolog.Logger
	runner *cron.Cron
	now    func() time.Time
}

// NewRetention creates a retention job. It does nothing until Start.
func NewRetention(repo ResultRepository, window time.Duration, logger zerolog.Logger) *Retention {
	logger = logger.With().Str("component", "retention").Logger()
	cl := cronLogger{logger: logger}
	return &Retention{
		repo:   repo,
		window: window,
		logger: logger,
		runner: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
		now: time.Now,
	}
}

// Start schedules Purge with a standard five-field spec or a descriptor
// such as "@daily".
func (r *Retention) Start(schedule string) error {
	if _, err := r.runner.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, _ = r.Purge(ctx)
	}); err != nil {
		return err
	}
	r.runner.Start()
	r.logger.Info().Str("schedule", schedule).Dur("window", r.window).Msg("retention scheduled")
	return nil
}

// Stop halts scheduling and waits for a running purge to finish.
func (r *Retention) Stop() {
	<-r.runner.Stop().Done()
}

// Purge deletes records created before now minus the window.
func (r *Retention) Purge(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.window)
	n, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Time("cutoff", cutoff).Msg("retention purge failed")
		return 0, err
	}
	r.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("retention purge")
	return n, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
