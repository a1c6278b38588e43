// Package autosave coalesces local edits into throttled, retried,
// single-flight persistence calls.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgerrors "lumina-backend/pkg/errors"
)

// PersistFunc writes payload to storage.
type PersistFunc func(ctx context.Context, payload any) error

// State is the scheduler's coarse status
type State string

const (
	StateIdle     State = "idle"
	StateSaving   State = "saving"
	StateRetrying State = "retrying"
)

// Status is a point-in-time view for "saving…" / "saved" indicators
type Status struct {
	State        State     `json:"state"`
	IsSaving     bool      `json:"isSaving"`
	QueueSize    int       `json:"queueSize"`
	InFlightKey  string    `json:"inFlightKey,omitempty"`
	LastSaveTime time.Time `json:"lastSaveTime"`
	LastError    string    `json:"lastError,omitempty"`
}

// Failure is reported asynchronously whenever a persist call fails.
type Failure struct {
	Key       string
	Err       error
	Attempt   int
	WillRetry bool
	At        time.Time
}

// Observer receives one callback per completed persist call.
type Observer interface {
	SaveCompleted(key string, duration time.Duration, err error)
}

// Config holds the scheduler timings
type Config struct {
	Debounce       time.Duration
	MinInterval    time.Duration
	RetryBackoff   time.Duration
	PersistTimeout time.Duration
	FailureBuffer  int
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		Debounce:       1 * time.Second,
		MinInterval:    2 * time.Second,
		RetryBackoff:   5 * time.Second,
		PersistTimeout: 30 * time.Second,
		FailureBuffer:  32,
	}
}

type task struct {
	key        string
	payload    any
	persist    PersistFunc
	enqueuedAt time.Time
}

type entry struct {
	task     task
	attempts int
	forced   bool
	waiters  []chan error
}

type debounce struct {
	task  task
	timer *time.Timer
	gen   uint64
}

type flight struct {
	entry   *entry
	started time.Time
	cancel  context.CancelFunc
}

// Scheduler serializes persistence for every key handed to it. All mutable
// state is owned by a single loop goroutine; public methods only send it
// commands.
type Scheduler struct {
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	observer Observer

	cmds     chan func()
	done     chan struct{}
	stopped  chan struct{}
	failures chan Failure
	once     sync.Once

	statusMu sync.RWMutex
	status   Status

	// loop-owned
	ctx        context.Context
	cancel     context.CancelFunc
	debouncing map[string]*debounce
	queue      map[string]*entry
	ring       []string
	inFlight   *flight
	lastSave   time.Time
	retryAt    time.Time
	lastErr    error
	wake       *time.Timer
	wakeGen    uint64
	gen        uint64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver reports each persist call, typically to metrics.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New starts a scheduler. Call Close to stop its timers and loop.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if cfg.FailureBuffer <= 0 {
		cfg.FailureBuffer = DefaultConfig().FailureBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		now:        time.Now,
		logger:     zap.NewNop(),
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		failures:   make(chan Failure, cfg.FailureBuffer),
		ctx:        ctx,
		cancel:     cancel,
		debouncing: make(map[string]*debounce),
		queue:      make(map[string]*entry),
		status:     Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
			s.publishStatus()
		case <-s.done:
			s.shutdown()
			return
		}
	}
}

// do runs fn on the loop. It returns false once the scheduler is closed.
func (s *Scheduler) do(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Enqueue schedules payload for key. Bursts for the same key within the
// debounce window collapse into one call; a newer payload always replaces an
// older one that has not started.
func (s *Scheduler) Enqueue(key string, payload any, persist PersistFunc) {
	t := task{key: key, payload: payload, persist: persist, enqueuedAt: s.now()}
	if !s.do(func() { s.debounceTask(t) }) {
		s.logger.Warn("Save dropped after scheduler shutdown", zap.String("key", key))
	}
}

// ForceSave cancels any pending debounce for key and persists payload right
// away, ignoring the minimum interval and retry backoff. If another save is in
// flight it runs immediately after. It returns the persist result.
func (s *Scheduler) ForceSave(ctx context.Context, key string, payload any, persist PersistFunc) error {
	t := task{key: key, payload: payload, persist: persist, enqueuedAt: s.now()}
	result := make(chan error, 1)
	if !s.do(func() { s.force(t, result) }) {
		return pkgerrors.ErrSchedulerClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return pkgerrors.ErrSchedulerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush persists everything pending now and waits for it. Errors from
// individual keys are joined; failed keys stay queued for retry.
func (s *Scheduler) Flush(ctx context.Context) error {
	results := make(chan []chan error, 1)
	if !s.do(func() { results <- s.flushAll() }) {
		return pkgerrors.ErrSchedulerClosed
	}

	var waiters []chan error
	select {
	case waiters = <-results:
	case <-s.stopped:
		return pkgerrors.ErrSchedulerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, w := range waiters {
		select {
		case err := <-w:
			if err != nil {
				errs = append(errs, err)
			}
		case <-s.stopped:
			return pkgerrors.ErrSchedulerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// ClearPending discards everything not yet started.
func (s *Scheduler) ClearPending() {
	s.do(func() {
		for key, d := range s.debouncing {
			d.timer.Stop()
			delete(s.debouncing, key)
		}
		for key, e := range s.queue {
			resolve(e.waiters, context.Canceled)
			delete(s.queue, key)
		}
		s.ring = s.ring[:0]
	})
}

// Status returns the latest status snapshot.
func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Failures delivers persist failures. Reports are dropped if nobody reads.
// The channel is closed after Close.
func (s *Scheduler) Failures() <-chan Failure {
	return s.failures
}

// Close stops every timer, cancels an in-flight call and ends the loop.
// Pending payloads are discarded; call Flush first to keep them.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

func (s *Scheduler) shutdown() {
	for key, d := range s.debouncing {
		d.timer.Stop()
		delete(s.debouncing, key)
	}
	for key, e := range s.queue {
		resolve(e.waiters, pkgerrors.ErrSchedulerClosed)
		delete(s.queue, key)
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	if s.inFlight != nil {
		resolve(s.inFlight.entry.waiters, pkgerrors.ErrSchedulerClosed)
		s.inFlight = nil
	}
	s.cancel()
	close(s.failures)

	s.statusMu.Lock()
	s.status.State = StateIdle
	s.status.IsSaving = false
	s.status.QueueSize = 0
	s.status.InFlightKey = ""
	s.statusMu.Unlock()
}

func (s *Scheduler) debounceTask(t task) {
	s.gen++
	gen := s.gen
	if d, ok := s.debouncing[t.key]; ok {
		d.timer.Stop()
		d.task = t
		d.gen = gen
		d.timer = s.after(s.cfg.Debounce, func() { s.debounceFired(t.key, gen) })
		return
	}
	s.debouncing[t.key] = &debounce{
		task:  t,
		gen:   gen,
		timer: s.after(s.cfg.Debounce, func() { s.debounceFired(t.key, gen) }),
	}
}

// after schedules fn on the loop; the timer never touches loop state itself.
func (s *Scheduler) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { s.do(fn) })
}

func (s *Scheduler) debounceFired(key string, gen uint64) {
	d, ok := s.debouncing[key]
	if !ok || d.gen != gen {
		return
	}
	delete(s.debouncing, key)
	s.queueTask(d.task)
	s.drain()
}

// queueTask stores t under its key, replacing any queued payload.
func (s *Scheduler) queueTask(t task) *entry {
	if e, ok := s.queue[t.key]; ok {
		e.task = t
		e.attempts = 0
		return e
	}
	e := &entry{task: t}
	s.queue[t.key] = e
	s.ring = append(s.ring, t.key)
	return e
}

func (s *Scheduler) force(t task, result chan error) {
	if d, ok := s.debouncing[t.key]; ok {
		d.timer.Stop()
		delete(s.debouncing, t.key)
	}
	e := s.queueTask(t)
	e.forced = true
	e.waiters = append(e.waiters, result)
	s.drain()
}

func (s *Scheduler) flushAll() []chan error {
	for key, d := range s.debouncing {
		d.timer.Stop()
		delete(s.debouncing, key)
		s.queueTask(d.task)
	}
	var waiters []chan error
	for _, e := range s.queue {
		w := make(chan error, 1)
		e.forced = true
		e.waiters = append(e.waiters, w)
		waiters = append(waiters, w)
	}
	if s.inFlight != nil {
		w := make(chan error, 1)
		s.inFlight.entry.waiters = append(s.inFlight.entry.waiters, w)
		waiters = append(waiters, w)
	}
	s.drain()
	return waiters
}

// next picks the entry to run: forced entries first, then round-robin over
// keys in the order they were first queued.
func (s *Scheduler) next(now time.Time) (*entry, time.Time) {
	for i, key := range s.ring {
		if e := s.queue[key]; e.forced {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			delete(s.queue, key)
			return e, time.Time{}
		}
	}

	gate := s.retryAt
	if !s.lastSave.IsZero() {
		if interval := s.lastSave.Add(s.cfg.MinInterval); interval.After(gate) {
			gate = interval
		}
	}
	if now.Before(gate) {
		return nil, gate
	}

	key := s.ring[0]
	s.ring = s.ring[1:]
	e := s.queue[key]
	delete(s.queue, key)
	return e, time.Time{}
}

func (s *Scheduler) drain() {
	if s.inFlight != nil || len(s.queue) == 0 {
		return
	}

	now := s.now()
	e, gate := s.next(now)
	if e == nil {
		s.armWake(gate.Sub(now))
		return
	}
	s.start(e)
}

func (s *Scheduler) armWake(d time.Duration) {
	s.wakeGen++
	gen := s.wakeGen
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wake = s.after(d, func() {
		if gen == s.wakeGen {
			s.drain()
		}
	})
}

func (s *Scheduler) start(e *entry) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PersistTimeout)
	e.attempts++
	f := &flight{entry: e, started: s.now(), cancel: cancel}
	s.inFlight = f

	t := e.task
	go func() {
		err := safePersist(ctx, t)
		s.do(func() { s.finish(f, err) })
	}()
}

func safePersist(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.NewPersistFailure(errors.New("persist panicked"))
		}
	}()
	return t.persist(ctx, t.payload)
}

func (s *Scheduler) finish(f *flight, err error) {
	if s.inFlight != f {
		return
	}
	f.cancel()
	s.inFlight = nil
	now := s.now()
	key := f.entry.task.key

	if s.observer != nil {
		s.observer.SaveCompleted(key, now.Sub(f.started), err)
	}

	if err == nil {
		s.lastSave = now
		s.lastErr = nil
		resolve(f.entry.waiters, nil)
		s.logger.Debug("Saved", zap.String("key", key), zap.Duration("duration", now.Sub(f.started)))
		s.drain()
		return
	}

	s.lastErr = err
	resolve(f.entry.waiters, err)
	retry := pkgerrors.IsRetryable(err)
	_, superseded := s.queue[key]
	if _, debouncing := s.debouncing[key]; debouncing {
		superseded = true
	}

	if retry {
		s.retryAt = now.Add(s.cfg.RetryBackoff)
		if !superseded {
			s.queue[key] = &entry{task: f.entry.task, attempts: f.entry.attempts}
			s.ring = append(s.ring, key)
		}
		s.logger.Warn("Save failed, will retry",
			zap.String("key", key),
			zap.Int("attempt", f.entry.attempts),
			zap.Duration("backoff", s.cfg.RetryBackoff),
			zap.Error(err),
		)
	} else {
		s.logger.Error("Save rejected, dropping payload",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	s.report(Failure{Key: key, Err: err, Attempt: f.entry.attempts, WillRetry: retry, At: now})
	s.drain()
}

func (s *Scheduler) report(f Failure) {
	select {
	case s.failures <- f:
	default:
	}
}

func (s *Scheduler) publishStatus() {
	st := Status{
		State:        StateIdle,
		QueueSize:    len(s.queue) + len(s.debouncing),
		LastSaveTime: s.lastSave,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	switch {
	case s.inFlight != nil:
		st.State = StateSaving
		st.IsSaving = true
		st.InFlightKey = s.inFlight.entry.task.key
	case len(s.queue) > 0 && s.lastErr != nil:
		st.State = StateRetrying
	}

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func resolve(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}
