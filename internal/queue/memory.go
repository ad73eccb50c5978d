package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

const defaultCapacity = 10000

type entry struct {
	key string
	job core.ScanJob
}

type keyState struct {
	running    bool
	rerun      bool
	rerunDelay time.Duration
}

// Memory is an in-process Queue backed by a bounded channel.
type Memory struct {
	ready  chan entry
	closed chan struct{}
	logger *zap.Logger
	hook   func(job core.ScanJob, err error)

	mu        sync.Mutex
	keys      map[string]*keyState
	timers    map[*time.Timer]struct{}
	isClosed  bool
	closeOnce sync.Once
}

var _ Queue = (*Memory)(nil)

// Option configures a Memory queue.
type Option func(*Memory)

// WithCompletionHook registers fn to run when a key's work is done: its job
// succeeded or was abandoned after its last attempt, and no follow-up scan
// was requested while it ran. A job with a follow-up reports through the
// follow-up instead.
func WithCompletionHook(fn func(job core.ScanJob, err error)) Option {
	return func(q *Memory) {
		q.hook = fn
	}
}

// WithCapacity bounds the number of jobs visible to workers at once.
func WithCapacity(n int) Option {
	return func(q *Memory) {
		if n > 0 {
			q.ready = make(chan entry, n)
		}
	}
}

// NewMemory creates an empty queue.
func NewMemory(logger *zap.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Memory{
		ready:  make(chan entry, defaultCapacity),
		closed: make(chan struct{}),
		logger: logger,
		keys:   make(map[string]*keyState),
		timers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Close stops accepting jobs and drops delayed ones.
func (q *Memory) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.isClosed = true
		for t := range q.timers {
			t.Stop()
		}
		q.timers = nil
		q.mu.Unlock()
		close(q.closed)
	})
}

func (q *Memory) Enqueue(ctx context.Context, job core.ScanJob, opts EnqueueOptions) (bool, error) {
	key := opts.DedupKey
	if key == "" {
		key = job.PackageName
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if st, ok := q.keys[key]; ok {
		// A publish that lands while the package is being scanned gets
		// one more scan once the current one finishes.
		if st.running && !st.rerun {
			st.rerun = true
			st.rerunDelay = opts.Delay
		}
		q.mu.Unlock()
		return false, nil
	}
	q.keys[key] = &keyState{}
	q.mu.Unlock()

	e := entry{key: key, job: job}
	if opts.Delay > 0 {
		q.after(opts.Delay, e)
		return true, nil
	}

	// A full buffer must not block the caller; a timer goroutine waits
	// for room instead.
	select {
	case q.ready <- e:
	default:
		q.after(0, e)
	}
	return true, nil
}

func (q *Memory) forget(key string) {
	q.mu.Lock()
	delete(q.keys, key)
	q.mu.Unlock()
}

// after makes e visible once d has elapsed.
func (q *Memory) after(d time.Duration, e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		if q.timers != nil {
			delete(q.timers, t)
		}
		q.mu.Unlock()

		select {
		case q.ready <- e:
		case <-q.closed:
		}
	})
	q.timers[t] = struct{}{}
}

// Process runs opts.Concurrency workers until ctx is cancelled. Running
// handlers keep a live context for opts.ShutdownGrace after cancellation.
func (q *Memory) Process(ctx context.Context, handler Handler, opts ProcessOptions) error {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.MaxPerSecond > 0 {
		limit = rate.Limit(opts.MaxPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	go func() {
		select {
		case <-ctx.Done():
		case <-handlerCtx.Done():
			return
		}
		timer := time.NewTimer(opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			q.logger.Warn("shutdown grace period elapsed, cancelling running scans",
				zap.Duration("grace", opts.ShutdownGrace))
			cancelHandlers()
		case <-handlerCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.work(ctx, handlerCtx, workerID, limiter, handler, opts)
		}(i)
	}
	wg.Wait()

	q.logger.Info("queue workers stopped")
	return nil
}

func (q *Memory) work(ctx, handlerCtx context.Context, workerID int, limiter *rate.Limiter, handler Handler, opts ProcessOptions) {
	for {
		var e entry
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case e = <-q.ready:
		}

		if err := limiter.Wait(ctx); err != nil {
			// Shutting down; the job stays in the pending store.
			q.forget(e.key)
			return
		}

		q.mu.Lock()
		if st, ok := q.keys[e.key]; ok {
			st.running = true
		}
		q.mu.Unlock()

		err := safeHandle(handlerCtx, handler, e.job)
		q.finish(ctx, workerID, e, err, opts)
	}
}

func (q *Memory) finish(ctx context.Context, workerID int, e entry, err error, opts ProcessOptions) {
	logger := q.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("package", e.job.PackageName),
		zap.String("job_id", e.job.ID))

	if err == nil {
		q.complete(e, nil)
		return
	}

	if ctx.Err() != nil {
		logger.Info("scan interrupted by shutdown", zap.Error(err))
		q.forget(e.key)
		return
	}

	attempt := e.job.Attempt + 1
	if attempt >= opts.MaxAttempts {
		logger.Error("job abandoned", zap.Int("attempts", attempt), zap.Error(err))
		q.complete(e, err)
		return
	}

	delay := retryDelay(opts.RetryBaseDelay, attempt)
	logger.Warn("scan failed, retrying",
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))

	e.job.Attempt = attempt
	q.mu.Lock()
	if st, ok := q.keys[e.key]; ok {
		st.running = false
	}
	q.mu.Unlock()
	q.after(delay, e)
}

// complete releases the key, or schedules a follow-up scan when one was
// requested while the job ran. The hook only fires when no follow-up is
// outstanding, and before the key is released.
func (q *Memory) complete(e entry, err error) {
	q.mu.Lock()
	st := q.keys[e.key]
	followUp := st != nil && st.rerun
	q.mu.Unlock()

	if !followUp && q.hook != nil {
		q.hook(e.job, err)
	}

	q.mu.Lock()
	delete(q.keys, e.key)
	rerun := st != nil && st.rerun && !q.isClosed
	var delay time.Duration
	if rerun {
		delay = st.rerunDelay
		q.keys[e.key] = &keyState{}
	}
	q.mu.Unlock()

	if !rerun {
		return
	}
	next := e.job
	next.Attempt = 0
	next.EnqueuedAt = time.Now()
	q.after(delay, entry{key: e.key, job: next})
}

// retryDelay is exponential backoff from base with up to 10% jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	jitter := time.Duration(float64(delay) * (rand.Float64() * 0.1))
	return delay + jitter
}

func safeHandle(ctx context.Context, handler Handler, job core.ScanJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
