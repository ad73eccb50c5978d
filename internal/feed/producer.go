package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/queue"
	"github.com/git-pkgs/scriptwatch/internal/store"
)

// ErrInitialCursor means no starting position could be obtained. The
// process cannot run without one.
var ErrInitialCursor = errors.New("cannot obtain initial feed cursor")

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
)

// Enqueuer accepts scan jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job core.ScanJob, opts queue.EnqueueOptions) (bool, error)
}

// Producer polls a Source and enqueues one scan per changed package.
type Producer struct {
	source  Source
	queue   Enqueuer
	pending store.PendingStore
	cursors store.CursorStore
	logger  *zap.Logger

	pollInterval time.Duration
	batchSize    int
	delay        time.Duration
	resume       bool
	newBackOff   func() backoff.BackOff

	mu     sync.Mutex
	cursor core.Sequence
}

// Option configures a Producer.
type Option func(*Producer)

// WithPendingStore records every enqueued job so it survives a restart.
func WithPendingStore(s store.PendingStore) Option {
	return func(p *Producer) { p.pending = s }
}

// WithCursorStore persists the cursor after every handed-off batch.
func WithCursorStore(s store.CursorStore) Option {
	return func(p *Producer) { p.cursors = s }
}

// WithPollInterval sets the sleep after an empty batch.
func WithPollInterval(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithBatchSize sets the limit passed to Poll.
func WithBatchSize(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithDelay sets the visibility delay of enqueued jobs.
func WithDelay(d time.Duration) Option {
	return func(p *Producer) { p.delay = d }
}

// WithResume controls whether Start uses a persisted cursor. When false,
// or when nothing is persisted, the feed is followed from "now" and any
// changes made while the process was down are not scanned.
func WithResume(resume bool) Option {
	return func(p *Producer) { p.resume = resume }
}

// WithBackOff replaces the retry schedule used after failed polls.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Producer) { p.newBackOff = fn }
}

// NewBackOff returns the default poll retry schedule: 1s doubling to a
// 30s cap, without randomisation, retrying forever.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func NewProducer(source Source, q Enqueuer, logger *zap.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		source:       source,
		queue:        q,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		delay:        queue.DefaultDelay,
		resume:       true,
		newBackOff:   NewBackOff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cursor returns the current in-memory position.
func (p *Producer) Cursor() core.Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Producer) setCursor(seq core.Sequence) {
	p.mu.Lock()
	p.cursor = seq
	p.mu.Unlock()
}

// Start sets the initial cursor from the cursor store when resuming, or
// from the feed's current sequence. Failure wraps ErrInitialCursor.
func (p *Producer) Start(ctx context.Context) error {
	if p.resume && p.cursors != nil {
		seq, ok, err := p.cursors.Load()
		if err != nil {
			p.logger.Warn("cannot read persisted cursor, starting from now", zap.Error(err))
		} else if ok {
			p.setCursor(seq)
			p.logger.Info("resuming feed", zap.String("since", seq.String()))
			return nil
		}
	}

	seq, err := p.source.CurrentSequence(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialCursor, err)
	}
	p.setCursor(seq)
	if p.cursors != nil {
		if err := p.cursors.Save(seq); err != nil {
			p.logger.Warn("cannot persist cursor", zap.Error(err))
		}
	}
	p.logger.Info("following feed from current sequence", zap.String("since", seq.String()))
	return nil
}

// Run polls until ctx is cancelled. Transient failures are retried with
// backoff; Run only returns ctx's error.
func (p *Producer) Run(ctx context.Context) error {
	if p.Cursor().IsZero() {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	b := p.newBackOff()
	b.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.step(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				wait = 30 * time.Second
			}
			p.logger.Warn("feed poll failed",
				zap.String("since", p.Cursor().String()),
				zap.Duration("retry_in", wait),
				zap.Bool("transient", core.IsTransient(err)),
				zap.Error(err))
		case n == 0:
			b.Reset()
			wait = p.pollInterval
		default:
			b.Reset()
			continue
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// step polls one batch, hands it off and advances the cursor. It returns
// the number of rows the feed sent, so a page made up only of reserved or
// deleted documents still counts as progress.
func (p *Producer) step(ctx context.Context) (int, error) {
	since := p.Cursor()
	batch, err := p.source.Poll(ctx, since, p.batchSize)
	if err != nil {
		return 0, err
	}
	events, next := batch.Events, batch.Next

	if err := p.handoff(ctx, events); err != nil {
		return 0, err
	}

	p.setCursor(next)
	if p.cursors != nil {
		if err := p.cursors.Save(next); err != nil {
			p.logger.Warn("cannot persist cursor", zap.Error(err))
		}
	}
	if batch.Rows > 0 {
		p.logger.Debug("feed batch handed off",
			zap.Int("rows", batch.Rows),
			zap.Int("events", len(events)),
			zap.String("last_seq", next.String()))
	}
	return batch.Rows, nil
}

func (p *Producer) handoff(ctx context.Context, events []core.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	jobs := make([]core.ScanJob, 0, len(events))
	seen := make(map[string]bool, len(events))
	now := time.Now()
	for _, ev := range events {
		if seen[ev.PackageName] {
			continue
		}
		seen[ev.PackageName] = true
		jobs = append(jobs, core.ScanJob{
			ID:          uuid.New().String(),
			PackageName: ev.PackageName,
			EnqueuedAt:  now,
		})
	}

	if p.pending != nil {
		if err := p.pending.Append(jobs...); err != nil {
			return fmt.Errorf("recording pending jobs: %w", err)
		}
	}
	for _, job := range jobs {
		_, err := p.queue.Enqueue(ctx, job, queue.EnqueueOptions{
			DedupKey: job.PackageName,
			Delay:    p.delay,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", job.PackageName, err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
