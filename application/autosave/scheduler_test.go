package autosave_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/application/autosave"
	pkgerrors "lumina-backend/pkg/errors"
)

type call struct {
	key     string
	payload any
	start   time.Time
	end     time.Time
}

// recorder is a persist target that tracks calls and overlap.
type recorder struct {
	mu       sync.Mutex
	calls    []call
	active   int32
	overlap  int32
	delay    time.Duration
	failures map[string][]error
}

func newRecorder() *recorder {
	return &recorder{failures: map[string][]error{}}
}

func (r *recorder) failNext(key string, errs ...error) {
	r.mu.Lock()
	r.failures[key] = append(r.failures[key], errs...)
	r.mu.Unlock()
}

func (r *recorder) persist(key string) autosave.PersistFunc {
	return func(ctx context.Context, payload any) error {
		if atomic.AddInt32(&r.active, 1) > 1 {
			atomic.StoreInt32(&r.overlap, 1)
		}
		defer atomic.AddInt32(&r.active, -1)

		start := time.Now()
		if r.delay > 0 {
			time.Sleep(r.delay)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call{key: key, payload: payload, start: start, end: time.Now()})
		if errs := r.failures[key]; len(errs) > 0 {
			r.failures[key] = errs[1:]
			return errs[0]
		}
		return nil
	}
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func fastConfig() autosave.Config {
	return autosave.Config{
		Debounce:     30 * time.Millisecond,
		MinInterval:  60 * time.Millisecond,
		RetryBackoff: 80 * time.Millisecond,
	}
}

func newScheduler(t *testing.T, cfg autosave.Config) *autosave.Scheduler {
	t.Helper()
	s := autosave.New(cfg)
	t.Cleanup(s.Close)
	return s
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestEnqueue_CoalescesSameKey(t *testing.T) {
	// Arrange
	s := newScheduler(t, fastConfig())
	rec := newRecorder()

	// Act
	s.Enqueue("node-n1", "P1", rec.persist("node-n1"))
	s.Enqueue("node-n1", "P2", rec.persist("node-n1"))

	// Assert
	require.Eventually(t, func() bool { return rec.count() == 1 }, wait, tick)
	time.Sleep(150 * time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "P2", calls[0].payload)
}

func TestEnqueue_DraftThenFinalWithinDebounce(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = 100 * time.Millisecond
	s := newScheduler(t, cfg)
	rec := newRecorder()

	s.Enqueue("node-n1", "draft", rec.persist("node-n1"))
	time.Sleep(50 * time.Millisecond)
	s.Enqueue("node-n1", "final", rec.persist("node-n1"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, wait, tick)
	time.Sleep(200 * time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "final", calls[0].payload)
}

func TestPersistFailure_IsRetriedUntilSuccess(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()
	transient := pkgerrors.NewPersistFailure(errors.New("throttled"))
	rec.failNext("b1", transient, transient)

	s.Enqueue("b1", "board", rec.persist("b1"))

	require.Eventually(t, func() bool { return rec.count() == 3 }, wait, tick)
	for _, c := range rec.snapshot() {
		assert.Equal(t, "board", c.payload)
	}
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.Failures():
			assert.Equal(t, "b1", f.Key)
			assert.True(t, f.WillRetry)
			assert.Equal(t, i+1, f.Attempt)
		case <-time.After(wait):
			t.Fatal("failure not reported")
		}
	}
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == autosave.StateIdle && st.LastError == "" && !st.LastSaveTime.IsZero()
	}, wait, tick)
}

func TestPersistFailure_BackoffIsRespected(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()
	rec.failNext("b1", pkgerrors.NewPersistFailure(errors.New("down")))

	s.Enqueue("b1", "x", rec.persist("b1"))

	require.Eventually(t, func() bool { return rec.count() == 2 }, wait, tick)
	calls := rec.snapshot()
	assert.GreaterOrEqual(t, calls[1].start.Sub(calls[0].end), 70*time.Millisecond)
}

func TestPersistFailure_RetryUsesNewerPayload(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()
	rec.failNext("node-n1", pkgerrors.NewPersistFailure(errors.New("down")))

	s.Enqueue("node-n1", "v1", rec.persist("node-n1"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, wait, tick)
	s.Enqueue("node-n1", "v2", rec.persist("node-n1"))

	require.Eventually(t, func() bool { return rec.count() == 2 }, wait, tick)
	time.Sleep(200 * time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "v2", calls[1].payload)
}

func TestPersistFailure_NonRetryableIsDropped(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()
	rec.failNext("node-n1", pkgerrors.NewStaleWrite("node-n1", 2))

	s.Enqueue("node-n1", "old", rec.persist("node-n1"))

	select {
	case f := <-s.Failures():
		assert.False(t, f.WillRetry)
		assert.ErrorIs(t, f.Err, pkgerrors.ErrStaleWrite)
	case <-time.After(wait):
		t.Fatal("failure not reported")
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, s.Status().QueueSize)
}

func TestSingleFlight_AcrossKeys(t *testing.T) {
	cfg := fastConfig()
	cfg.MinInterval = 0
	s := newScheduler(t, cfg)
	rec := newRecorder()
	rec.delay = 20 * time.Millisecond

	for _, key := range []string{"a", "b", "c", "d"} {
		s.Enqueue(key, key, rec.persist(key))
	}

	require.Eventually(t, func() bool { return rec.count() == 4 }, wait, tick)
	assert.Equal(t, int32(0), atomic.LoadInt32(&rec.overlap))
}

func TestMinInterval_BetweenCompletedSaves(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()

	s.Enqueue("a", 1, rec.persist("a"))
	s.Enqueue("b", 2, rec.persist("b"))

	require.Eventually(t, func() bool { return rec.count() == 2 }, wait, tick)
	calls := rec.snapshot()
	assert.GreaterOrEqual(t, calls[1].start.Sub(calls[0].end), 50*time.Millisecond)
}

func TestForceSave_BypassesDebounceAndInterval(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = time.Hour
	cfg.MinInterval = time.Hour
	s := newScheduler(t, cfg)
	rec := newRecorder()

	s.Enqueue("b1", "stale", rec.persist("b1"))
	require.NoError(t, s.ForceSave(context.Background(), "b1", "first", rec.persist("b1")))
	require.NoError(t, s.ForceSave(context.Background(), "b1", "second", rec.persist("b1")))

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].payload)
	assert.Equal(t, "second", calls[1].payload)
	assert.Equal(t, 0, s.Status().QueueSize, "debounced payload was cancelled")
}

func TestForceSave_ReturnsPersistError(t *testing.T) {
	s := newScheduler(t, fastConfig())
	rec := newRecorder()
	rec.failNext("b1", pkgerrors.NewPersistFailure(errors.New("offline")))

	err := s.ForceSave(context.Background(), "b1", "x", rec.persist("b1"))

	assert.ErrorIs(t, err, pkgerrors.ErrPersistFailure)
	require.Eventually(t, func() bool { return rec.count() == 2 }, wait, tick, "payload stays queued for retry")
}

func TestDrain_FailedKeyGoesToBackOfRing(t *testing.T) {
	cfg := fastConfig()
	cfg.MinInterval = 0
	s := newScheduler(t, cfg)
	gate := make(chan struct{})
	var (
		mu       sync.Mutex
		order    []string
		attempts int32
	)
	record := func(key string) {
		mu.Lock()
		order = append(order, key)
		mu.Unlock()
	}
	persistA := func(ctx context.Context, _ any) error {
		defer record("a")
		if atomic.AddInt32(&attempts, 1) == 1 {
			<-gate
			return pkgerrors.NewPersistFailure(errors.New("down"))
		}
		return nil
	}
	persistB := func(ctx context.Context, _ any) error {
		record("b")
		return nil
	}

	s.Enqueue("a", nil, persistA)
	require.Eventually(t, func() bool { return s.Status().InFlightKey == "a" }, wait, tick)
	s.Enqueue("b", nil, persistB)
	time.Sleep(2 * cfg.Debounce)
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, wait, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a"}, order)
}

func TestFlush_PersistsEverythingPending(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = time.Hour
	s := newScheduler(t, cfg)
	rec := newRecorder()

	s.Enqueue("a", 1, rec.persist("a"))
	s.Enqueue("b", 2, rec.persist("b"))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 2, rec.count())
}

func TestStatus_ReportsInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = 0
	s := newScheduler(t, cfg)
	release := make(chan struct{})

	s.Enqueue("slow", nil, func(ctx context.Context, _ any) error {
		<-release
		return nil
	})

	require.Eventually(t, func() bool { return s.Status().IsSaving }, wait, tick)
	st := s.Status()
	assert.Equal(t, autosave.StateSaving, st.State)
	assert.Equal(t, "slow", st.InFlightKey)

	close(release)
	require.Eventually(t, func() bool { return s.Status().State == autosave.StateIdle }, wait, tick)
}

func TestClearPending_DropsQueuedWork(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = 50 * time.Millisecond
	s := newScheduler(t, cfg)
	rec := newRecorder()

	s.Enqueue("a", 1, rec.persist("a"))
	s.ClearPending()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestClose_StopsTimers(t *testing.T) {
	s := autosave.New(fastConfig())
	rec := newRecorder()

	s.Enqueue("a", 1, rec.persist("a"))
	s.Close()
	s.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.ErrorIs(t, s.ForceSave(context.Background(), "a", 1, rec.persist("a")), pkgerrors.ErrSchedulerClosed)
	_, open := <-s.Failures()
	assert.False(t, open)
}
