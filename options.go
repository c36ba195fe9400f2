package photostore

import (
	"time"

	"github.com/rs/zerolog"
)

type settings struct {
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

type Option func(*settings)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithClock replaces time.Now for retention decisions.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}
