// Package core provides the shared data model and error types.
package core

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Sequence is an opaque position in the replication feed. It holds the raw
// JSON token (string or number) exactly as the feed returned it.
type Sequence json.RawMessage

// IsZero reports whether the sequence is unset.
func (s Sequence) IsZero() bool {
	return len(bytes.TrimSpace(s)) == 0 || string(s) == "null"
}

// QueryValue renders the sequence for the since= query parameter.
// JSON strings are unquoted, anything else is used verbatim.
func (s Sequence) QueryValue() string {
	if s.IsZero() {
		return ""
	}
	if s[0] == '"' {
		if v, err := strconv.Unquote(string(s)); err == nil {
			return v
		}
		var v string
		if err := json.Unmarshal(s, &v); err == nil {
			return v
		}
	}
	return string(s)
}

func (s Sequence) String() string {
	return s.QueryValue()
}

// MarshalJSON emits the raw token unchanged.
func (s Sequence) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

// UnmarshalJSON keeps a copy of the raw token.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	*s = append((*s)[0:0], data...)
	return nil
}

// ChangeEvent is one row from the replication feed.
type ChangeEvent struct {
	PackageName string
	Seq         Sequence
}

// Packument is the registry metadata document for one package.
type Packument struct {
	Name        string
	Versions    map[string]VersionDoc
	DistTags    map[string]string
	Repository  string
	Unpublished bool
}

// VersionDoc is the manifest fragment for one published version.
type VersionDoc struct {
	Scripts map[string]string
}

// Script returns the command for a script name, or "" when absent.
func (v VersionDoc) Script(name string) string {
	if v.Scripts == nil {
		return ""
	}
	return v.Scripts[name]
}

// ScanJob is a unit of queued work.
type ScanJob struct {
	ID          string    `json:"id"`
	PackageName string    `json:"packageName"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Attempt     int       `json:"attempt,omitempty"`
}

// Action classifies a lifecycle script change.
type Action string

const (
	ActionAdded   Action = "added"
	ActionChanged Action = "changed"
)

// Alert is one detected lifecycle script change.
type Alert struct {
	ScriptType string
	Action     Action
	NewCommand string
	OldCommand string // empty when there was no previous script
}

// Finding is the persisted record of one alert. Only Delivered changes
// after creation.
type Finding struct {
	ID              string    `json:"id"`
	PackageName     string    `json:"packageName"`
	Version         string    `json:"version"`
	ScriptType      string    `json:"scriptType"`
	Action          Action    `json:"action"`
	Command         string    `json:"command"`
	PreviousCommand string    `json:"previousCommand,omitempty"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	PURL            string    `json:"purl,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Delivered       bool      `json:"delivered"`
}

// Key returns the dedup key of the finding.
func (f Finding) Key() string {
	return FindingKey(f.PackageName, f.Version, f.ScriptType)
}

// Alert reconstructs the alert a finding was recorded for.
func (f Finding) Alert() Alert {
	return Alert{
		ScriptType: f.ScriptType,
		Action:     f.Action,
		NewCommand: f.Command,
		OldCommand: f.PreviousCommand,
	}
}

// FindingKey builds the (package, version, script) dedup key.
func FindingKey(pkg, version, script string) string {
	return pkg + "@" + version + "#" + script
}

// Cursor is the persisted feed position.
type Cursor struct {
	Seq Sequence `json:"sequenceToken"`
}
