// Package allowlist matches lifecycle-script commands that are known to be
// benign, such as native addon builds.
//
// Rules are loaded from YAML:
//
//	rules:
//	  - name: node-gyp
//	    pattern: '^node-gyp rebuild$'
//	  - name: husky
//	    contains: 'husky install'
//
// A rule matches when its pattern (a Go regular expression) matches or its
// contains substring occurs in the trimmed command. A rule may set both.
package allowlist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Rule is one benign-command matcher.
type Rule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern,omitempty"`
	Contains string `yaml:"contains,omitempty"`

	re *regexp.Regexp
}

type file struct {
	Rules []Rule `yaml:"rules"`
}

// Allowlist is a concurrency-safe set of rules.
type Allowlist struct {
	mu    sync.RWMutex
	rules []Rule
}

// New compiles rules into an Allowlist.
func New(rules ...Rule) (*Allowlist, error) {
	a := &Allowlist{}
	if err := a.Replace(rules); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadFile reads rules from a YAML file.
func LoadFile(path string) (*Allowlist, error) {
	rules, err := readRules(path)
	if err != nil {
		return nil, err
	}
	return New(rules...)
}

func readRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", path, err)
	}
	return f.Rules, nil
}

func compile(rules []Rule) ([]Rule, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" && r.Contains == "" {
			return nil, fmt.Errorf("rule %d (%s): needs pattern or contains", i, r.Name)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
			r.re = re
		}
		compiled = append(compiled, r)
	}
	return compiled, nil
}

// Replace swaps in a new rule set. On error the current rules are kept.
func (a *Allowlist) Replace(rules []Rule) error {
	compiled, err := compile(rules)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.rules = compiled
	a.mu.Unlock()
	return nil
}

// Len returns the number of rules.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rules)
}

// Match returns the first rule matching cmd.
func (a *Allowlist) Match(cmd string) (Rule, bool) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Rule{}, false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.rules {
		if r.re != nil && r.re.MatchString(cmd) {
			return r, true
		}
		if r.Contains != "" && strings.Contains(cmd, r.Contains) {
			return r, true
		}
	}
	return Rule{}, false
}

// IsBenign reports whether cmd matches any rule. It has the shape of
// diff.Predicate.
func (a *Allowlist) IsBenign(cmd string) bool {
	if a == nil {
		return false
	}
	_, ok := a.Match(cmd)
	return ok
}

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the rules whenever path changes, until ctx is cancelled.
// A file that fails to parse is logged and the previous rules stay active.
func (a *Allowlist) Watch(ctx context.Context, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist watch init: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("allowlist watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			rules, err := readRules(path)
			if err == nil {
				err = a.Replace(rules)
			}
			if err != nil {
				logger.Warn("allowlist reload failed, keeping previous rules",
					zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("allowlist reloaded", zap.String("path", path), zap.Int("rules", a.Len()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("allowlist watcher error", zap.Error(err))
		}
	}
}
