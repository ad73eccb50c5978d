// Package diff compares the install-time lifecycle scripts of two package
// versions.
package diff

import (
	"strings"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// DefaultScripts are the lifecycle scripts npm runs on install, in the order
// alerts are emitted.
var DefaultScripts = []string{"preinstall", "install", "postinstall"}

// Predicate reports whether a command is known to be benign.
type Predicate func(cmd string) bool

// Engine classifies script changes between a version and its predecessor.
// An Engine is immutable and safe for concurrent use.
type Engine struct {
	scripts  []string
	isBenign Predicate
}

// Option configures an Engine.
type Option func(*Engine)

// WithScripts sets the script names to compare. Order is emission order.
func WithScripts(names ...string) Option {
	return func(e *Engine) {
		if len(names) > 0 {
			e.scripts = append([]string(nil), names...)
		}
	}
}

// WithAllowlist sets the benign-command predicate.
func WithAllowlist(p Predicate) Option {
	return func(e *Engine) {
		if p != nil {
			e.isBenign = p
		}
	}
}

// New creates an Engine. Without WithAllowlist nothing is benign.
func New(opts ...Option) *Engine {
	e := &Engine{
		scripts:  DefaultScripts,
		isBenign: func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scripts returns the script names the engine compares.
func (e *Engine) Scripts() []string {
	return append([]string(nil), e.scripts...)
}

// Diff returns one alert per script whose command was added or changed in
// latest relative to previous. previous is nil for a first publish.
func (e *Engine) Diff(latest core.VersionDoc, previous *core.VersionDoc) []core.Alert {
	var alerts []core.Alert
	for _, name := range e.scripts {
		newCmd := latest.Script(name)
		oldCmd := ""
		if previous != nil {
			oldCmd = previous.Script(name)
		}
		if alert, ok := e.classify(name, newCmd, oldCmd); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func (e *Engine) classify(name, newCmd, oldCmd string) (core.Alert, bool) {
	if isBlank(newCmd) || newCmd == oldCmd {
		return core.Alert{}, false
	}
	if e.isBenign(newCmd) {
		return core.Alert{}, false
	}
	if isBlank(oldCmd) {
		return core.Alert{ScriptType: name, Action: core.ActionAdded, NewCommand: newCmd}, true
	}
	// Moving from an allowlisted command to an unknown one is reported as
	// a new script: the old one never counted.
	if e.isBenign(oldCmd) {
		return core.Alert{ScriptType: name, Action: core.ActionAdded, NewCommand: newCmd}, true
	}
	return core.Alert{ScriptType: name, Action: core.ActionChanged, NewCommand: newCmd, OldCommand: oldCmd}, true
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
