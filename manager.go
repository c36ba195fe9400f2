package photostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// openCall is an initialization in progress. Every caller that arrives before
// it finishes waits on done and receives the same result.
type openCall struct {
	done   chan struct{}
	handle Handle
	err    error
}

// Manager owns the single live Handle of a database. It is the only component
// that creates or destroys the handle.
type Manager struct {
	backend    Backend
	version    int
	retryDelay time.Duration

	mu      sync.Mutex
	handle  Handle
	pending *openCall

	logger  zerolog.Logger
	metrics *Metrics
}

func NewManager(backend Backend, cfg Config, opts ...Option) *Manager {
	s := newSettings(opts)
	retryDelay := cfg.DeleteRetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultDeleteRetryDelay
	}
	return &Manager{
		backend:    backend,
		version:    cfg.SchemaVersion,
		retryDelay: retryDelay,
		logger:     s.logger.With().Str("db", backend.Name()).Logger(),
		metrics:    s.metrics,
	}
}

// Open returns the shared handle, initializing the database on first use.
// Concurrent callers join the initialization already in flight.
func (m *Manager) Open(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}

	call := m.pending
	if call == nil {
		call = &openCall{done: make(chan struct{})}
		m.pending = call
		// The initialization outlives a caller that gives up waiting.
		go m.initialize(context.WithoutCancel(ctx), call)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-call.done:
		return call.handle, call.err
	}
}

func (m *Manager) initialize(ctx context.Context, call *openCall) {
	h, err := m.open(ctx)

	m.mu.Lock()
	if m.pending == call {
		m.pending = nil
		if err == nil {
			m.handle = h
		}
	} else if err == nil {
		// Invalidated or closed while opening, nobody may cache this handle.
		m.logger.Warn().Msg("discarding handle opened after invalidation")
		h.Close()
		h, err = nil, fmt.Errorf("open of %s was invalidated", m.backend.Name())
	}
	m.mu.Unlock()

	call.handle, call.err = h, err
	close(call.done)
}

func (m *Manager) open(ctx context.Context) (Handle, error) {
	m.metrics.recordOpen()
	h, err := m.backend.Open(ctx, m.version)
	if err == nil {
		m.logger.Debug().Int("version", m.version).Msg("database opened")
		return h, nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return nil, fmt.Errorf("failed to open database %s: %w", m.backend.Name(), err)
	}

	m.logger.Warn().Err(err).Int("version", m.version).
		Msg("schema version conflict, deleting database and starting over")
	if err := m.destroy(ctx); err != nil {
		return nil, fmt.Errorf("failed to delete database %s: %w", m.backend.Name(), err)
	}

	m.metrics.recordOpen()
	h, err = m.backend.Open(ctx, m.version)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen database %s: %w", m.backend.Name(), err)
	}
	m.logger.Info().Int("version", m.version).Msg("database recreated")
	return h, nil
}

// destroy retries a blocked delete with a fixed delay until it succeeds or ctx ends.
func (m *Manager) destroy(ctx context.Context) error {
	for {
		err := m.backend.Destroy(ctx)
		if !errors.Is(err, ErrDeleteBlocked) {
			return err
		}

		m.logger.Debug().Dur("retry_in", m.retryDelay).Msg("database delete blocked")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
}

// Invalidate drops the cached handle and any initialization in flight so
// that the next Open starts from scratch.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.pending = nil
	m.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("closing invalidated handle")
		}
	}
}

// Close releases the handle. An initialization still in flight is
// discarded when it finishes. A later Open reinitializes.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.pending = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}
