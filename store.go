package photostore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("photostore")

// Store is the photo evidence store used by the UI layer. All operations go
// through the Manager's shared handle.
type Store struct {
	mgr             *Manager
	maxPhotos       int
	retentionWindow time.Duration

	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

func New(mgr *Manager, cfg Config, opts ...Option) *Store {
	s := newSettings(opts)
	return &Store{
		mgr:             mgr,
		maxPhotos:       cfg.MaxPhotos,
		retentionWindow: cfg.RetentionWindow,
		logger:          s.logger,
		metrics:         s.metrics,
		now:             s.now,
	}
}

// Open opens the underlying database if it is not open yet.
func (s *Store) Open(ctx context.Context) (Handle, error) {
	h, err := s.mgr.Open(ctx)
	if err != nil {
		return nil, storeErr("open", err)
	}
	return h, nil
}

func (s *Store) Close() error {
	return storeErr("close", s.mgr.Close())
}

// run opens the handle and wraps op in a span, metrics and a StoreError.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context, h Handle) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "photostore."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	h, err := s.mgr.Open(ctx)
	if err == nil {
		err = fn(ctx, h)
	}

	s.metrics.RecordOperation(op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storeErr(op, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Store) GetAllPhotos(ctx context.Context) ([]StoredPhoto, error) {
	var photos []StoredPhoto
	err := s.run(ctx, "get_all", func(ctx context.Context, h Handle) error {
		var err error
		photos, err = h.GetAll(ctx)
		return err
	})
	return photos, err
}

// GetPhoto returns ok=false when no photo has the id.
func (s *Store) GetPhoto(ctx context.Context, id string) (StoredPhoto, bool, error) {
	var (
		photo StoredPhoto
		ok    bool
	)
	err := s.run(ctx, "get", func(ctx context.Context, h Handle) error {
		var err error
		photo, ok, err = h.Get(ctx, id)
		return err
	}, attribute.String("photo.id", id))
	return photo, ok, err
}

// SavePhoto sweeps expired photos, upserts photo and then trims the store to
// its count limit. Between the write and the trim the store may briefly hold
// one photo over the limit.
func (s *Store) SavePhoto(ctx context.Context, photo StoredPhoto) error {
	if photo.ID == "" {
		return storeErr("put", errors.New("photo id is empty"))
	}
	if err := s.CleanupOldPhotos(ctx); err != nil {
		return err
	}

	err := s.run(ctx, "put", func(ctx context.Context, h Handle) error {
		return h.Put(ctx, photo)
	}, attribute.String("photo.id", photo.ID), attribute.Int64("photo.size", photo.Size))
	if err != nil {
		return err
	}

	return s.EnforceStorageLimit(ctx)
}

// DeletePhoto removes a photo. Unknown ids are ignored.
func (s *Store) DeletePhoto(ctx context.Context, id string) error {
	return s.run(ctx, "delete", func(ctx context.Context, h Handle) error {
		return h.Delete(ctx, id)
	}, attribute.String("photo.id", id))
}

// CleanupOldPhotos deletes every photo whose timestamp is at or before now minus the retention window.
func (s *Store) CleanupOldPhotos(ctx context.Context) error {
	cutoff := s.now().Add(-s.retentionWindow).UnixMilli()
	return s.run(ctx, "cleanup", func(ctx context.Context, h Handle) error {
		n, err := h.DeleteUpTo(ctx, cutoff)
		if err != nil {
			return err
		}
		s.metrics.recordEvicted("age", n)
		s.logEviction("age", n).Int64("cutoff", cutoff).Msg("cleaned up old photos")
		return nil
	}, attribute.Int64("cutoff", cutoff))
}

// EnforceStorageLimit deletes the oldest photos until no more than the limit
// remain. It runs after an insert, so the store may have held one extra photo.
func (s *Store) EnforceStorageLimit(ctx context.Context) error {
	return s.run(ctx, "enforce", func(ctx context.Context, h Handle) error {
		count, err := h.Count(ctx)
		if err != nil {
			return err
		}
		if count <= s.maxPhotos {
			s.logEviction("count", 0).Int("count", count).Msg("storage limit not reached")
			return nil
		}

		ids, err := h.Oldest(ctx, count-s.maxPhotos)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := h.Delete(ctx, id); err != nil {
				return err
			}
		}
		s.metrics.recordEvicted("count", len(ids))
		s.logEviction("count", len(ids)).Int("count", count).Msg("enforced storage limit")
		return nil
	})
}

func (s *Store) logEviction(policy string, n int) *zerolog.Event {
	ev := s.logger.Debug()
	if n > 0 {
		ev = s.logger.Info()
	}
	return ev.Str("policy", policy).Int("deleted", n)
}

func (s *Store) GetStorageInfo(ctx context.Context) (StorageInfo, error) {
	var info StorageInfo
	err := s.run(ctx, "stats", func(ctx context.Context, h Handle) error {
		photos, err := h.GetAll(ctx)
		if err != nil {
			return err
		}
		info = computeStorageInfo(photos)
		return nil
	})
	return info, err
}

func computeStorageInfo(photos []StoredPhoto) StorageInfo {
	info := StorageInfo{TotalPhotos: len(photos)}
	for i := range photos {
		ts := photos[i].Timestamp
		info.TotalSize += photos[i].Size
		if info.OldestTimestamp == nil || ts < *info.OldestTimestamp {
			info.OldestTimestamp = &ts
		}
		if info.NewestTimestamp == nil || ts > *info.NewestTimestamp {
			info.NewestTimestamp = &ts
		}
	}
	return info
}

// IsStorageAvailable opens the store and performs a trivial read. On failure
// the cached handle is dropped so the next call can reopen cleanly.
func (s *Store) IsStorageAvailable(ctx context.Context) bool {
	err := s.run(ctx, "probe", func(ctx context.Context, h Handle) error {
		_, err := h.Count(ctx)
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("storage unavailable")
		s.mgr.Invalidate()
		return false
	}
	return true
}
