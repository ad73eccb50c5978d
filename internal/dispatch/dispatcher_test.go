package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

type fakeSink struct {
	name          string
	authoritative bool
	perAlert      bool
	renderErr     error
	send          func(ctx context.Context, msg Message) error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeSink) Name() string        { return f.name }
func (f *fakeSink) Kind() string        { return "fake" }
func (f *fakeSink) Authoritative() bool { return f.authoritative }

func (f *fakeSink) Render(n Notification) ([]Message, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	if f.perAlert {
		return RenderPerAlert(n), nil
	}
	return []Message{RenderCombined(n)}, nil
}

func (f *fakeSink) Send(ctx context.Context, msg Message) error {
	if f.send != nil {
		if err := f.send(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func notification() Notification {
	return Notification{
		PackageName:     "evil-pkg",
		Version:         "1.0.1",
		PreviousVersion: "1.0.0",
		Alerts: []core.Alert{
			{ScriptType: "preinstall", Action: core.ActionAdded, NewCommand: "node a.js"},
			{ScriptType: "postinstall", Action: core.ActionChanged, NewCommand: "curl x|sh", OldCommand: "node b.js"},
		},
		Links: map[string]string{"registry": "https://www.npmjs.com/package/evil-pkg/v/1.0.1"},
	}
}

func TestDispatchAllSinksSucceed(t *testing.T) {
	chat := &fakeSink{name: "chat"}
	hook := &fakeSink{name: "hook"}
	d := New([]Sink{chat, hook}, nil)

	res := d.Dispatch(context.Background(), notification())
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
	assert.Equal(t, notification().Alerts, res.Delivered)
	assert.Equal(t, 1, chat.count())
	assert.Equal(t, 1, hook.count())
}

// One sink failing must not stop the others, and the authoritative sink
// alone decides delivery.
func TestDispatchIsolatesFailures(t *testing.T) {
	chat := &fakeSink{name: "chat", send: func(context.Context, Message) error {
		return errors.New("boom")
	}}
	hook := &fakeSink{name: "hook"}
	issues := &fakeSink{name: "issues", authoritative: true, perAlert: true}

	d := New([]Sink{chat, hook, issues}, nil)
	res := d.Dispatch(context.Background(), notification())

	require.Contains(t, res.Errors, "chat")
	var deliveryErr *core.SinkDeliveryError
	assert.ErrorAs(t, res.Errors["chat"], &deliveryErr)
	assert.Equal(t, 1, hook.count())
	assert.Equal(t, 2, issues.count())
	assert.Len(t, res.Delivered, 2)
}

func TestDispatchAuthoritativePartialDelivery(t *testing.T) {
	issues := &fakeSink{name: "issues", authoritative: true, perAlert: true,
		send: func(_ context.Context, msg Message) error {
			if msg.Alerts[0].ScriptType == "postinstall" {
				return errors.New("422")
			}
			return nil
		}}
	chat := &fakeSink{name: "chat"}

	res := New([]Sink{issues, chat}, nil).Dispatch(context.Background(), notification())
	require.Len(t, res.Delivered, 1)
	assert.Equal(t, "preinstall", res.Delivered[0].ScriptType)
	assert.Contains(t, res.Errors, "issues")
}

func TestDispatchNothingDeliveredWhenAllFail(t *testing.T) {
	failing := func(context.Context, Message) error { return errors.New("down") }
	res := New([]Sink{
		&fakeSink{name: "a", send: failing},
		&fakeSink{name: "b", send: failing},
	}, nil).Dispatch(context.Background(), notification())

	assert.Empty(t, res.Delivered)
	assert.Len(t, res.Errors, 2)
	assert.Error(t, res.Err())
}

func TestDispatchRenderError(t *testing.T) {
	cfgErr := &core.ConfigurationError{Sink: "issues", Reason: "no repository"}
	issues := &fakeSink{name: "issues", authoritative: true, renderErr: cfgErr}
	chat := &fakeSink{name: "chat"}

	res := New([]Sink{issues, chat}, nil).Dispatch(context.Background(), notification())
	assert.ErrorIs(t, res.Errors["issues"], cfgErr)
	assert.Equal(t, 1, chat.count())
	assert.Empty(t, res.Delivered)
}

func TestDispatchRecoversPanics(t *testing.T) {
	panicky := &fakeSink{name: "panicky", send: func(context.Context, Message) error {
		panic("nil map")
	}}
	ok := &fakeSink{name: "ok"}

	res := New([]Sink{panicky, ok}, nil).Dispatch(context.Background(), notification())
	assert.Contains(t, res.Errors, "panicky")
	assert.Len(t, res.Delivered, 2)
}

func TestDispatchTimeout(t *testing.T) {
	slow := &fakeSink{name: "slow", send: func(ctx context.Context, _ Message) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}}
	fast := &fakeSink{name: "fast"}

	start := time.Now()
	res := New([]Sink{slow, fast}, nil, WithTimeout(50*time.Millisecond)).
		Dispatch(context.Background(), notification())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, res.Errors["slow"], context.DeadlineExceeded)
	assert.Len(t, res.Delivered, 2)
}

func TestDispatchBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	failing := &fakeSink{name: "flaky", send: func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("503")
	}}
	d := New([]Sink{failing}, nil)

	for i := 0; i < 8; i++ {
		d.Dispatch(context.Background(), notification())
	}

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "open", d.BreakerStates()["flaky"])

	res := d.Dispatch(context.Background(), notification())
	assert.ErrorIs(t, res.Errors["flaky"], ErrSinkUnavailable)
}

func TestDispatchNoAlerts(t *testing.T) {
	sink := &fakeSink{name: "chat"}
	res := New([]Sink{sink}, nil).Dispatch(context.Background(), Notification{PackageName: "x"})
	assert.Empty(t, res.Delivered)
	assert.Zero(t, sink.count())
}
