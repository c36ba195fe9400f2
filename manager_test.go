package photostore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend counts calls and lets tests hold Open until release is closed.
type fakeBackend struct {
	opens    atomic.Int32
	destroys atomic.Int32

	release      chan struct{}
	openErrs     []error // returned by successive Open calls, nil afterwards
	blockedTimes int32   // Destroy reports blocked this many times

	mu   sync.Mutex
	last *fakeHandle
}

func (f *fakeBackend) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Open(ctx context.Context, version int) (Handle, error) {
	n := f.opens.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(n) <= len(f.openErrs) && f.openErrs[n-1] != nil {
		return nil, f.openErrs[n-1]
	}
	f.last = &fakeHandle{version: version}
	return f.last, nil
}

func (f *fakeBackend) Destroy(ctx context.Context) error {
	if n := f.destroys.Add(1); n <= f.blockedTimes {
		return ErrDeleteBlocked
	}
	return nil
}

type fakeHandle struct {
	version int
	closed  atomic.Bool
	failing atomic.Bool
}

func (h *fakeHandle) GetAll(context.Context) ([]StoredPhoto, error) { return nil, nil }
func (h *fakeHandle) Get(context.Context, string) (StoredPhoto, bool, error) {
	return StoredPhoto{}, false, nil
}
func (h *fakeHandle) Put(context.Context, StoredPhoto) error              { return nil }
func (h *fakeHandle) Delete(context.Context, string) error                { return nil }
func (h *fakeHandle) DeleteUpTo(context.Context, int64) (int, error)      { return 0, nil }
func (h *fakeHandle) Oldest(context.Context, int) ([]string, error)       { return nil, nil }
func (h *fakeHandle) Version() int                                        { return h.version }
func (h *fakeHandle) Close() error                                        { h.closed.Store(true); return nil }
func (h *fakeHandle) Count(context.Context) (int, error) {
	if h.failing.Load() || h.closed.Load() {
		return 0, ErrClosed
	}
	return 0, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeleteRetryDelay = time.Millisecond
	return cfg
}

func TestManagerOpenDeduplicatesConcurrentCallers(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	mgr := NewManager(backend, testConfig(), WithMetrics(NewMetrics(reg)))

	const callers = 20
	handles := make([]Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = mgr.Open(context.Background())
		}(i)
	}

	// Let every caller reach Open before the first one can finish.
	require.Eventually(t, func() bool { return backend.opens.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), backend.opens.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(mgr.metrics.Opens))

	// Later calls reuse the cached handle.
	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, handles[0], h)
	assert.Equal(t, int32(1), backend.opens.Load())
}

func TestManagerCloseForcesReinitialization(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	mgr := NewManager(backend, testConfig())

	first, err := mgr.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, mgr.Close())
	assert.True(t, first.(*fakeHandle).closed.Load())

	second, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), backend.opens.Load())

	// Closing twice is harmless.
	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())
}

func TestManagerFailureIsNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk on fire")
	backend := &fakeBackend{openErrs: []error{boom}}
	mgr := NewManager(backend, testConfig())

	_, err := mgr.Open(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), backend.destroys.Load(), "non-version failures must not delete the database")

	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(2), backend.opens.Load())
}

func TestManagerRecoversFromVersionConflict(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		openErrs:     []error{ErrVersionConflict},
		blockedTimes: 3,
	}
	mgr := NewManager(backend, testConfig())

	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSchemaVersion, h.Version())
	assert.Equal(t, int32(2), backend.opens.Load())
	assert.Equal(t, int32(4), backend.destroys.Load(), "blocked deletes are retried until they succeed")
}

func TestManagerBlockedDeleteStopsWithContext(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		openErrs:     []error{ErrVersionConflict},
		blockedTimes: 1 << 30,
	}
	cfg := testConfig()
	cfg.DeleteRetryDelay = 5 * time.Millisecond
	mgr := NewManager(backend, cfg)

	// The initialization is detached from the caller, so drive destroy directly.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := mgr.destroy(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, backend.destroys.Load(), int32(2))
}

func TestManagerOpenHonorsCallerContext(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	mgr := NewManager(backend, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mgr.Open(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The shared initialization keeps going for the next caller.
	close(backend.release)
	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), backend.opens.Load())
}

func TestManagerInvalidate(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	mgr := NewManager(backend, testConfig())

	first, err := mgr.Open(context.Background())
	require.NoError(t, err)

	mgr.Invalidate()
	assert.True(t, first.(*fakeHandle).closed.Load())

	second, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

type openResult struct {
	handle Handle
	err    error
}

// openHeld starts an Open that blocks inside the backend until release is closed.
func openHeld(t *testing.T, mgr *Manager, backend *fakeBackend) <-chan openResult {
	t.Helper()
	results := make(chan openResult, 1)
	go func() {
		h, err := mgr.Open(context.Background())
		results <- openResult{h, err}
	}()
	require.Eventually(t, func() bool { return backend.opens.Load() == 1 }, time.Second, time.Millisecond)
	return results
}

func TestManagerCloseDiscardsOpenInFlight(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	mgr := NewManager(backend, testConfig())

	results := openHeld(t, mgr, backend)
	require.NoError(t, mgr.Close())
	close(backend.release)

	res := <-results
	require.Error(t, res.err)
	assert.Nil(t, res.handle)
	assert.True(t, backend.lastHandle().closed.Load(), "a handle opened across Close must be released")

	mgr.mu.Lock()
	assert.Nil(t, mgr.handle)
	mgr.mu.Unlock()

	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.False(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, int32(2), backend.opens.Load())
}

func TestManagerInvalidateDiscardsOpenInFlight(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	mgr := NewManager(backend, testConfig())

	results := openHeld(t, mgr, backend)
	mgr.Invalidate()
	close(backend.release)

	res := <-results
	require.ErrorContains(t, res.err, "invalidated")
	assert.Nil(t, res.handle)
	late := backend.lastHandle()
	assert.True(t, late.closed.Load())

	h, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, late, h)
	assert.Equal(t, int32(2), backend.opens.Load())
}

func TestIsStorageAvailableInvalidatesBrokenHandle(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	mgr := NewManager(backend, testConfig())
	store := New(mgr, testConfig())

	require.True(t, store.IsStorageAvailable(context.Background()))
	h, err := mgr.Open(context.Background())
	require.NoError(t, err)

	h.(*fakeHandle).failing.Store(true)
	assert.False(t, store.IsStorageAvailable(context.Background()))

	// A clean reopen replaces the broken handle.
	assert.True(t, store.IsStorageAvailable(context.Background()))
	again, err := mgr.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h, again)
}

func TestIsStorageAvailableWhenOpenFails(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErrs: []error{ErrUnsupported}}
	mgr := NewManager(backend, testConfig())
	store := New(mgr, testConfig())

	assert.False(t, store.IsStorageAvailable(context.Background()))
	assert.True(t, store.IsStorageAvailable(context.Background()))
}

func TestStoreErrorWrapsCause(t *testing.T) {
	t.Parallel()

	err := storeErr("put", ErrClosed)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "photostore: put failed: photostore: database closed", err.Error())

	// Already wrapped errors keep their original operation.
	assert.Same(t, se, storeErr("save", err).(*StoreError))
	assert.NoError(t, storeErr("get", nil))
}

func TestComputeStorageInfo(t *testing.T) {
	t.Parallel()

	empty := computeStorageInfo(nil)
	assert.Equal(t, 0, empty.TotalPhotos)
	assert.Equal(t, int64(0), empty.TotalSize)
	assert.Nil(t, empty.OldestTimestamp)
	assert.Nil(t, empty.NewestTimestamp)

	atEpoch := computeStorageInfo([]StoredPhoto{{ID: "a", Timestamp: 0, Size: 3}})
	require.NotNil(t, atEpoch.OldestTimestamp)
	assert.Equal(t, int64(0), *atEpoch.OldestTimestamp)

	info := computeStorageInfo([]StoredPhoto{
		{ID: "a", Timestamp: 30, Size: 10},
		{ID: "b", Timestamp: 10, Size: 20},
		{ID: "c", Timestamp: 20, Size: 30},
	})
	assert.Equal(t, 3, info.TotalPhotos)
	assert.Equal(t, int64(60), info.TotalSize)
	assert.Equal(t, int64(10), *info.OldestTimestamp)
	assert.Equal(t, int64(30), *info.NewestTimestamp)
}
