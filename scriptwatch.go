// Package scriptwatch follows the npm replication feed and raises an alert
// whenever the newest release of a package adds or changes an install-time
// lifecycle script (preinstall, install, postinstall).
//
// Every changed package is queued, its packument fetched, and the scripts of
// its highest semver version compared against the version just below it.
// Each new finding is recorded before it is dispatched to the configured
// sinks, so a finding fires at most once across restarts.
//
// Basic usage:
//
//	opts := scriptwatch.DefaultOptions()
//	opts.DataDir = "/var/lib/scriptwatch"
//	opts.Sinks = []scriptwatch.SinkConfig{
//		{Kind: "webhook", URL: "https://chat.example.com/hooks/abc"},
//	}
//
//	m, err := scriptwatch.New(opts, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//
//	if err := m.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// A single package can be checked without following the feed:
//
//	findings, err := m.ScanOnce(ctx, "event-stream")
package scriptwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/git-pkgs/scriptwatch/client"
	"github.com/git-pkgs/scriptwatch/internal/allowlist"
	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/diff"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
	"github.com/git-pkgs/scriptwatch/internal/feed"
	"github.com/git-pkgs/scriptwatch/internal/npm"
	"github.com/git-pkgs/scriptwatch/internal/queue"
	"github.com/git-pkgs/scriptwatch/internal/store"
	"github.com/git-pkgs/scriptwatch/internal/worker"

	_ "github.com/git-pkgs/scriptwatch/internal/sink/all"
)

// Re-export types from internal/core
type (
	// Finding is the persisted record of one alert.
	Finding = core.Finding

	// Alert is one detected lifecycle script change.
	Alert = core.Alert

	// Action classifies an alert as added or changed.
	Action = core.Action

	// Packument is the registry metadata document for one package.
	Packument = core.Packument

	// VersionDoc is the manifest fragment of one version.
	VersionDoc = core.VersionDoc

	// ScanJob is a unit of queued work.
	ScanJob = core.ScanJob

	// Sequence is an opaque replication feed position.
	Sequence = core.Sequence

	// ChangeEvent is one row of the replication feed.
	ChangeEvent = core.ChangeEvent

	// SinkConfig declares one notification sink.
	SinkConfig = dispatch.SinkConfig

	// Client is the HTTP client shared by all network components.
	Client = client.Client

	// FetchError is returned for a non-success HTTP status.
	FetchError = client.HTTPError

	// TimeoutError is returned when a request exceeds its deadline.
	TimeoutError = client.TimeoutError

	// NotFoundError is returned when a package does not exist.
	NotFoundError = core.NotFoundError

	// ConfigurationError is returned when a sink cannot act on a notification.
	ConfigurationError = core.ConfigurationError
)

// Re-export constants
const (
	ActionAdded   = core.ActionAdded
	ActionChanged = core.ActionChanged

	FindingsBackendJSON   = "json"
	FindingsBackendSQLite = "sqlite"
)

// Re-export errors
var (
	ErrNotFound        = core.ErrNotFound
	ErrInitialCursor   = feed.ErrInitialCursor
	ErrQueueClosed     = queue.ErrQueueClosed
	ErrSinkUnavailable = dispatch.ErrSinkUnavailable
)

// DefaultScripts are the lifecycle scripts watched unless Options.Scripts
// says otherwise.
var DefaultScripts = diff.DefaultScripts

// Options configures a Monitor.
//
// Zero values fall back to the defaults of the component they configure,
// with one exception: QueueDelay is used as given, so zero makes jobs
// visible immediately. Start from DefaultOptions to get the 30s delay.
type Options struct {
	RegistryURL  string
	ChangesURL   string
	ReplicateURL string

	UserAgent      string
	RequestTimeout time.Duration

	PollInterval time.Duration
	BatchSize    int
	// Resume continues from the persisted cursor instead of "now".
	Resume bool

	QueueDelay     time.Duration
	QueueCapacity  int
	Concurrency    int
	MaxPerSecond   float64
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ShutdownGrace  time.Duration

	// Scripts overrides the watched lifecycle script names.
	Scripts []string

	// AllowlistPath points at a YAML file of benign command rules.
	AllowlistPath  string
	WatchAllowlist bool

	// SkipFirstPublish suppresses alerts for a package whose only valid
	// version carries an install script.
	SkipFirstPublish bool

	Sinks       []SinkConfig
	SinkTimeout time.Duration

	// DataDir holds the findings, pending and cursor files.
	DataDir         string
	FindingsBackend string
}

// DefaultOptions returns options pointing at the public npm registry.
func DefaultOptions() Options {
	return Options{
		RegistryURL:     npm.DefaultURL,
		ChangesURL:      feed.DefaultChangesURL,
		ReplicateURL:    feed.DefaultReplicateURL,
		RequestTimeout:  10 * time.Second,
		PollInterval:    feed.DefaultPollInterval,
		BatchSize:       feed.DefaultBatchSize,
		Resume:          true,
		QueueDelay:      queue.DefaultDelay,
		Concurrency:     queue.DefaultConcurrency,
		MaxAttempts:     queue.DefaultMaxAttempts,
		RetryBaseDelay:  queue.DefaultRetryBaseDelay,
		ShutdownGrace:   queue.DefaultShutdownGrace,
		SinkTimeout:     dispatch.DefaultTimeout,
		DataDir:         "data",
		FindingsBackend: FindingsBackendJSON,
	}
}

// Monitor wires the feed producer, the scan queue and the scan worker.
type Monitor struct {
	opts   Options
	logger *zap.Logger

	client     *client.Client
	registry   *npm.Registry
	allowlist  *allowlist.Allowlist
	dispatcher *dispatch.Dispatcher
	findings   store.FindingsStore
	pending    store.PendingStore
	queue      *queue.Memory
	worker     *worker.Worker
	producer   *feed.Producer
}

// New builds a Monitor. It opens the stores in opts.DataDir and fails on
// an unknown sink kind or an unreadable allowlist.
func New(opts Options, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}

	m := &Monitor{opts: opts, logger: logger}

	clientOpts := []client.Option{}
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, client.WithTimeout(opts.RequestTimeout))
	}
	m.client = client.NewClient(clientOpts...)
	if opts.UserAgent != "" {
		m.client = m.client.WithUserAgent(opts.UserAgent)
	}

	m.registry = npm.New(opts.RegistryURL, m.client)

	var err error
	if opts.AllowlistPath != "" {
		m.allowlist, err = allowlist.LoadFile(opts.AllowlistPath)
	} else {
		m.allowlist, err = allowlist.New()
	}
	if err != nil {
		return nil, err
	}

	diffOpts := []diff.Option{diff.WithAllowlist(m.allowlist.IsBenign)}
	if len(opts.Scripts) > 0 {
		diffOpts = append(diffOpts, diff.WithScripts(opts.Scripts...))
	}
	engine := diff.New(diffOpts...)

	sinks, err := dispatch.Build(opts.Sinks, m.client, logger)
	if err != nil {
		return nil, err
	}
	if len(sinks) == 0 {
		logger.Warn("no notification sinks configured, findings are only logged")
	}
	var dispatchOpts []dispatch.Option
	if opts.SinkTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithTimeout(opts.SinkTimeout))
	}
	m.dispatcher = dispatch.New(sinks, logger, dispatchOpts...)

	if err := m.openStores(); err != nil {
		return nil, err
	}
	cursors, err := store.NewJSONCursor(filepath.Join(opts.DataDir, store.CursorFile))
	if err != nil {
		_ = m.findings.Close()
		return nil, err
	}

	m.queue = queue.NewMemory(logger,
		queue.WithCapacity(m.opts.QueueCapacity),
		queue.WithCompletionHook(m.jobDone))

	m.worker = worker.New(m.registry, engine, m.dispatcher, m.findings, logger,
		worker.WithURLs(m.registry.URLs()),
		worker.WithAlertOnFirstPublish(!opts.SkipFirstPublish))

	poller := feed.NewPoller(opts.ChangesURL, opts.ReplicateURL, m.client)
	m.producer = feed.NewProducer(poller, m.queue, logger,
		feed.WithPendingStore(m.pending),
		feed.WithCursorStore(cursors),
		feed.WithPollInterval(opts.PollInterval),
		feed.WithBatchSize(opts.BatchSize),
		feed.WithDelay(opts.QueueDelay),
		feed.WithResume(opts.Resume))

	return m, nil
}

func (m *Monitor) openStores() error {
	var err error
	switch m.opts.FindingsBackend {
	case "", FindingsBackendJSON:
		m.findings, err = store.NewJSONFindings(filepath.Join(m.opts.DataDir, store.FindingsFile))
	case FindingsBackendSQLite:
		m.findings, err = store.NewSQLiteFindings(filepath.Join(m.opts.DataDir, store.FindingsDB))
	default:
		return fmt.Errorf("unknown findings backend %q", m.opts.FindingsBackend)
	}
	if err != nil {
		return err
	}

	m.pending, err = store.NewJSONPending(filepath.Join(m.opts.DataDir, store.PendingFile))
	if err != nil {
		_ = m.findings.Close()
		return err
	}
	return nil
}

// jobDone drops a finished or abandoned job from the pending store.
func (m *Monitor) jobDone(job core.ScanJob, _ error) {
	if err := m.pending.Remove(job.PackageName); err != nil {
		m.logger.Warn("cannot remove job from pending store",
			zap.String("package", job.PackageName), zap.Error(err))
	}
}

// Run re-enqueues jobs left over from the previous run, obtains the
// initial feed cursor and then follows the feed until ctx is cancelled.
// A missing initial cursor is fatal and reported as ErrInitialCursor.
// Cancellation of ctx is a clean shutdown and returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.requeuePending(ctx); err != nil {
		return err
	}
	if err := m.producer.Start(ctx); err != nil {
		return err
	}

	m.logger.Info("monitor started",
		zap.Int("sinks", len(m.dispatcher.Sinks())),
		zap.Int("allowlist_rules", m.allowlist.Len()),
		zap.Int("concurrency", m.processOptions().Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.producer.Run(gctx)
	})
	g.Go(func() error {
		return m.queue.Process(gctx, m.worker.Handle, m.processOptions())
	})
	if m.opts.WatchAllowlist && m.opts.AllowlistPath != "" {
		g.Go(func() error {
			return m.allowlist.Watch(gctx, m.opts.AllowlistPath, m.logger)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		m.logger.Info("monitor stopped", zap.String("cursor", m.producer.Cursor().String()))
		return nil
	}
	return err
}

func (m *Monitor) requeuePending(ctx context.Context) error {
	jobs, err := m.pending.List()
	if err != nil {
		return fmt.Errorf("reading pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	for _, job := range jobs {
		if _, err := m.queue.Enqueue(ctx, job, queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("re-enqueueing %s: %w", job.PackageName, err)
		}
	}
	m.logger.Info("re-enqueued pending jobs", zap.Int("jobs", len(jobs)))
	return nil
}

func (m *Monitor) processOptions() queue.ProcessOptions {
	return queue.ProcessOptions{
		Concurrency:    m.opts.Concurrency,
		MaxPerSecond:   m.opts.MaxPerSecond,
		MaxAttempts:    m.opts.MaxAttempts,
		RetryBaseDelay: m.opts.RetryBaseDelay,
		ShutdownGrace:  m.opts.ShutdownGrace,
	}
}

// ScanOnce scans a single package outside the feed and returns the
// findings it recorded. A package already reported yields none.
func (m *Monitor) ScanOnce(ctx context.Context, name string) ([]Finding, error) {
	return m.worker.Scan(ctx, name)
}

// Redeliver dispatches recorded findings that no sink accepted yet and
// returns how many were delivered.
func (m *Monitor) Redeliver(ctx context.Context) (int, error) {
	return m.worker.Redeliver(ctx)
}

// Cursor returns the producer's current feed position.
func (m *Monitor) Cursor() Sequence {
	return m.producer.Cursor()
}

// BreakerStates reports the circuit state of each sink.
func (m *Monitor) BreakerStates() map[string]string {
	return m.dispatcher.BreakerStates()
}

// Close stops the queue and releases the findings store.
func (m *Monitor) Close() error {
	m.queue.Close()
	return m.findings.Close()
}

// SupportedSinkKinds returns the registered sink kinds.
func SupportedSinkKinds() []string {
	return dispatch.SupportedKinds()
}

// DefaultClient returns a client with a 10s per-request deadline and no
// retries.
func DefaultClient() *Client {
	return client.DefaultClient()
}
