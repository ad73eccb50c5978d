// Package queue schedules package scans with deduplication, delayed
// visibility, bounded concurrency, rate limiting and bounded retry.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Defaults applied by Process when an option is zero.
const (
	DefaultDelay          = 30 * time.Second
	DefaultConcurrency    = 4
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
)

// Handler processes one job. A returned error or a panic schedules a retry.
type Handler func(ctx context.Context, job core.ScanJob) error

// EnqueueOptions control how a job enters the queue.
type EnqueueOptions struct {
	// DedupKey collapses jobs: while a job with this key is queued, delayed
	// or running, further jobs with the same key are not added. Defaults to
	// the package name.
	DedupKey string

	// Delay before the job becomes visible to workers.
	Delay time.Duration
}

// ProcessOptions control the worker pool.
type ProcessOptions struct {
	Concurrency    int
	MaxPerSecond   float64 // 0 means unlimited
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ShutdownGrace  time.Duration
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	return o
}

// Queue is implemented by the in-process Memory queue. A durable broker can
// satisfy the same contract.
type Queue interface {
	// Enqueue adds job unless a job with the same dedup key is already
	// pending. accepted is false for a collapsed duplicate.
	Enqueue(ctx context.Context, job core.ScanJob, opts EnqueueOptions) (accepted bool, err error)

	// Process runs handler over queued jobs until ctx is cancelled.
	Process(ctx context.Context, handler Handler, opts ProcessOptions) error

	// Len returns the number of distinct keys queued, delayed or running.
	Len() int
}
