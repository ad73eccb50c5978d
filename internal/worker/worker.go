// Package worker scans one package per job: fetch the packument, pick the
// latest and previous versions, diff their install scripts, record new
// findings and dispatch them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/diff"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
	"github.com/git-pkgs/scriptwatch/internal/resolve"
	"github.com/git-pkgs/scriptwatch/internal/store"
)

// PackumentFetcher fetches registry metadata.
type PackumentFetcher interface {
	FetchPackument(ctx context.Context, name string) (*core.Packument, error)
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n dispatch.Notification) dispatch.Result
}

// Worker is the queue handler. It is safe for concurrent use.
type Worker struct {
	registry   PackumentFetcher
	engine     *diff.Engine
	dispatcher Dispatcher
	findings   store.FindingsStore
	logger     *zap.Logger

	urls                core.URLBuilder
	alertOnFirstPublish bool
	now                 func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithURLs sets the builder used for links in notifications.
func WithURLs(urls core.URLBuilder) Option {
	return func(w *Worker) { w.urls = urls }
}

// WithAlertOnFirstPublish controls whether a package's first version with
// an install script is reported. Defaults to true.
func WithAlertOnFirstPublish(enabled bool) Option {
	return func(w *Worker) { w.alertOnFirstPublish = enabled }
}

func New(registry PackumentFetcher, engine *diff.Engine, dispatcher Dispatcher, findings store.FindingsStore, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = diff.New()
	}
	w := &Worker{
		registry:            registry,
		engine:              engine,
		dispatcher:          dispatcher,
		findings:            findings,
		logger:              logger,
		alertOnFirstPublish: true,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle scans job.PackageName. Errors before any finding is recorded are
// returned so the queue retries; after that, failures are only logged,
// because the finding has fired and must not fire again.
func (w *Worker) Handle(ctx context.Context, job core.ScanJob) error {
	_, err := w.Scan(ctx, job.PackageName)
	return err
}

// Scan runs the pipeline for one package and returns the findings it
// recorded.
func (w *Worker) Scan(ctx context.Context, name string) ([]core.Finding, error) {
	logger := w.logger.With(zap.String("package", name))

	pkg, err := w.registry.FetchPackument(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		logger.Info("package not found, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	if pkg.Unpublished {
		logger.Info("package unpublished, skipping")
		return nil, nil
	}

	res := resolve.Resolve(pkg)
	if !res.HasLatest() {
		logger.Debug("no valid semver versions, skipping")
		return nil, nil
	}
	if res.TagLags {
		logger.Debug("latest dist-tag lags highest version",
			zap.String("dist_tag", res.DistTag), zap.String("latest", res.Latest))
	}
	logger = logger.With(zap.String("version", res.Latest))

	latest := pkg.Versions[res.Latest]
	var previous *core.VersionDoc
	if res.Previous != "" {
		doc := pkg.Versions[res.Previous]
		previous = &doc
	} else if !w.alertOnFirstPublish {
		logger.Debug("first publish, skipping")
		return nil, nil
	}

	alerts := w.engine.Diff(latest, previous)
	if len(alerts) == 0 {
		logger.Debug("scanned, no finding", zap.String("previous", res.Previous))
		return nil, nil
	}

	candidates := make([]core.Finding, 0, len(alerts))
	now := w.now().UTC()
	purl := core.BuildPURL(name, res.Latest)
	for _, a := range alerts {
		key := core.FindingKey(name, res.Latest, a.ScriptType)
		seen, err := w.findings.Seen(key)
		if err != nil {
			return nil, fmt.Errorf("checking finding %s: %w", key, err)
		}
		if seen {
			continue
		}
		candidates = append(candidates, core.Finding{
			ID:              uuid.New().String(),
			PackageName:     name,
			Version:         res.Latest,
			ScriptType:      a.ScriptType,
			Action:          a.Action,
			Command:         a.NewCommand,
			PreviousCommand: a.OldCommand,
			PreviousVersion: res.Previous,
			PURL:            purl,
			Timestamp:       now,
		})
	}
	if len(candidates) == 0 {
		logger.Debug("scanned, already reported")
		return nil, nil
	}

	recorded, err := w.findings.Record(candidates...)
	if err != nil {
		return nil, fmt.Errorf("recording findings for %s: %w", name, err)
	}
	if len(recorded) == 0 {
		return nil, nil
	}

	w.deliver(ctx, logger, pkg, res.Latest, res.Previous, recorded)
	return recorded, nil
}

// deliver dispatches findings and marks the delivered ones. Failures are
// logged and left for Redeliver.
func (w *Worker) deliver(ctx context.Context, logger *zap.Logger, pkg *core.Packument, version, previous string, findings []core.Finding) int {
	alerts := make([]core.Alert, len(findings))
	for i, f := range findings {
		alerts[i] = f.Alert()
	}

	name := findings[0].PackageName
	n := dispatch.Notification{
		PackageName:     name,
		Version:         version,
		PreviousVersion: previous,
		Alerts:          alerts,
		Packument:       pkg,
		Links:           core.BuildURLs(w.urls, name, version),
	}

	logger.Info("install script alert",
		zap.Int("alerts", len(alerts)),
		zap.String("previous", previous),
		zap.Strings("scripts", scriptTypes(alerts)))

	if w.dispatcher == nil {
		return 0
	}
	res := w.dispatcher.Dispatch(ctx, n)
	if len(res.Delivered) == 0 {
		logger.Warn("alert not delivered, will retry on redeliver")
		return 0
	}

	keys := make([]string, len(res.Delivered))
	for i, a := range res.Delivered {
		keys[i] = core.FindingKey(name, version, a.ScriptType)
	}
	if err := w.findings.MarkDelivered(keys...); err != nil {
		logger.Error("cannot mark findings delivered", zap.Error(err))
	}
	return len(keys)
}

// Redeliver dispatches recorded findings that were never delivered,
// grouped by package version. It returns how many were delivered.
func (w *Worker) Redeliver(ctx context.Context) (int, error) {
	undelivered, err := w.findings.Undelivered()
	if err != nil {
		return 0, fmt.Errorf("listing undelivered findings: %w", err)
	}

	type group struct {
		name, version, previous string
		findings                []core.Finding
	}
	var groups []*group
	index := make(map[string]*group)
	for _, f := range undelivered {
		key := f.PackageName + "@" + f.Version
		g, ok := index[key]
		if !ok {
			g = &group{name: f.PackageName, version: f.Version, previous: f.PreviousVersion}
			index[key] = g
			groups = append(groups, g)
		}
		g.findings = append(g.findings, f)
	}

	delivered := 0
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		logger := w.logger.With(zap.String("package", g.name), zap.String("version", g.version))

		pkg, err := w.registry.FetchPackument(ctx, g.name)
		if err != nil {
			logger.Warn("cannot fetch packument for redelivery", zap.Error(err))
			pkg = &core.Packument{Name: g.name}
		}
		delivered += w.deliver(ctx, logger, pkg, g.version, g.previous, g.findings)
	}
	return delivered, nil
}

func scriptTypes(alerts []core.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ScriptType
	}
	return out
}
