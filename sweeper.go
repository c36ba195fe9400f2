package photostore

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs the age-based cleanup on a fixed interval while the app is
// active, independently of the sweep done on every save.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
}

func NewSweeper(store *Store, interval time.Duration, opts ...Option) *Sweeper {
	s := newSettings(opts)
	logger := s.logger.With().Str("component", "sweeper").Logger()
	cronLogger := cronLogger{logger}
	sw := &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
	sw.cron.Schedule(cron.Every(interval), cron.FuncJob(sw.tick))
	return sw
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	return s.store.CleanupOldPhotos(ctx)
}

func (s *Sweeper) tick() {
	if err := s.RunOnce(context.Background()); err != nil {
		// The next tick retries.
		s.logger.Error().Err(err).Msg("periodic cleanup failed")
	}
}

// Start begins running the sweep every interval. Intervals below one second
// are rounded up. Starting a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop unschedules the sweep and waits for a running one to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
