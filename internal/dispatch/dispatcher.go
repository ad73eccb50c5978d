package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// DefaultTimeout bounds each sink's delivery of one notification.
const DefaultTimeout = 10 * time.Second

// ErrSinkUnavailable is returned for a sink whose circuit breaker is open.
var ErrSinkUnavailable = errors.New("sink unavailable")

// Result reports the outcome of one Dispatch.
type Result struct {
	// Delivered lists the alerts that count as delivered, in input order.
	Delivered []core.Alert
	// Errors maps sink name to its failure.
	Errors map[string]error
}

// Err combines the per-sink errors, ordered by sink name.
func (r Result) Err() error {
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	for _, name := range names {
		err = multierr.Append(err, r.Errors[name])
	}
	return err
}

// Dispatcher sends notifications to every configured sink concurrently.
type Dispatcher struct {
	sinks    []Sink
	breakers *breakers
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the default per-sink deadline. A sink implementing
// Timeout() overrides it.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// New creates a Dispatcher for sinks.
func New(sinks []Sink, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:    sinks,
		breakers: newBreakers(),
		timeout:  DefaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []Sink {
	return append([]Sink(nil), d.sinks...)
}

// BreakerStates reports "open" or "closed" for every sink that has been used.
func (d *Dispatcher) BreakerStates() map[string]string {
	return d.breakers.states()
}

type sinkOutcome struct {
	sink     Sink
	accepted map[string]bool
	err      error
}

// Dispatch delivers n to all sinks and waits for them to finish.
//
// With at least one authoritative sink, an alert is delivered when every
// authoritative sink accepted every message carrying it. Otherwise an alert
// is delivered when any sink accepted a message carrying it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) Result {
	res := Result{Errors: make(map[string]error)}
	if len(n.Alerts) == 0 || len(d.sinks) == 0 {
		return res
	}

	outcomes := make([]sinkOutcome, len(d.sinks))
	var wg sync.WaitGroup
	for i, s := range d.sinks {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			accepted, err := d.deliver(ctx, s, n)
			outcomes[i] = sinkOutcome{sink: s, accepted: accepted, err: err}
		}(i, s)
	}
	wg.Wait()

	hasAuthoritative := false
	for _, o := range outcomes {
		if o.err != nil {
			res.Errors[o.sink.Name()] = o.err
		}
		if isAuthoritative(o.sink) {
			hasAuthoritative = true
		}
	}

	for _, a := range n.Alerts {
		if delivered(a, outcomes, hasAuthoritative) {
			res.Delivered = append(res.Delivered, a)
		}
	}

	if err := res.Err(); err != nil {
		d.logger.Warn("notification partially failed",
			zap.String("package", n.PackageName),
			zap.String("version", n.Version),
			zap.Int("delivered", len(res.Delivered)),
			zap.Int("alerts", len(n.Alerts)),
			zap.Error(err))
	}
	return res
}

func delivered(a core.Alert, outcomes []sinkOutcome, hasAuthoritative bool) bool {
	if hasAuthoritative {
		for _, o := range outcomes {
			if isAuthoritative(o.sink) && !o.accepted[a.ScriptType] {
				return false
			}
		}
		return true
	}
	for _, o := range outcomes {
		if o.accepted[a.ScriptType] {
			return true
		}
	}
	return false
}

// deliver renders and sends n through one sink. It returns the script
// types whose every message was accepted.
func (d *Dispatcher) deliver(ctx context.Context, s Sink, n Notification) (accepted map[string]bool, err error) {
	logger := d.logger.With(zap.String("sink", s.Name()), zap.String("kind", s.Kind()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sink panicked", zap.Any("panic", r))
			accepted = nil
			err = &core.SinkDeliveryError{Sink: s.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	msgs, err := s.Render(n)
	if err != nil {
		logger.Warn("sink cannot render notification",
			zap.String("package", n.PackageName), zap.Error(err))
		return nil, err
	}

	timeout := d.timeout
	if t, ok := s.(timeouter); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	breaker := d.breakers.get(s.Name())
	sent := make(map[string]int)
	failed := make(map[string]bool)
	var errs error

	for _, msg := range msgs {
		sendErr := breaker.Call(func() error {
			return safeSend(sctx, s, msg)
		}, 0)

		if errors.Is(sendErr, circuit.ErrBreakerOpen) {
			logger.Warn("circuit breaker open, skipping sink")
			errs = multierr.Append(errs, fmt.Errorf("%w: circuit breaker open", ErrSinkUnavailable))
			for _, a := range msg.Alerts {
				failed[a.ScriptType] = true
			}
			// Remaining messages would be refused too.
			break
		}
		if sendErr != nil {
			errs = multierr.Append(errs, sendErr)
			for _, a := range msg.Alerts {
				failed[a.ScriptType] = true
			}
			continue
		}
		for _, a := range msg.Alerts {
			sent[a.ScriptType]++
		}
	}

	accepted = make(map[string]bool, len(sent))
	for script := range sent {
		if !failed[script] {
			accepted[script] = true
		}
	}

	if errs != nil {
		return accepted, &core.SinkDeliveryError{Sink: s.Name(), Err: errs}
	}
	return accepted, nil
}

// safeSend turns a panic inside Send into an error, so the breaker counts
// it as a failure.
func safeSend(ctx context.Context, s Sink, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Send(ctx, msg)
}
