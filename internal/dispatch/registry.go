package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// Factory creates a sink from its configuration. It returns nil when a
// required credential is missing; such sinks are skipped.
type Factory func(cfg SinkConfig, client *core.Client) Sink

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register adds a sink factory for kind.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = factory
}

// SupportedKinds returns all registered sink kinds, sorted.
func SupportedKinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build creates sinks from configs. An unknown kind is an error; a sink
// whose factory declines it is skipped with a debug log.
func Build(configs []SinkConfig, client *core.Client, logger *zap.Logger) ([]Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = core.DefaultClient()
	}

	var sinks []Sink
	seen := make(map[string]bool)
	for _, cfg := range configs {
		mu.RLock()
		factory, ok := factories[cfg.Kind]
		mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown sink kind: %s", cfg.Kind)
		}

		name := cfg.DisplayName()
		if seen[name] {
			return nil, fmt.Errorf("duplicate sink name: %s", name)
		}
		seen[name] = true

		sink := factory(cfg, client)
		if sink == nil {
			logger.Debug("sink not configured, skipping",
				zap.String("sink", name), zap.String("kind", cfg.Kind))
			continue
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
