// Package store persists findings, pending scan jobs and the feed cursor.
//
// The JSON stores rewrite their whole file on every change through a
// temp file and rename, so a crash leaves either the old or the new
// contents. Access is serialised within one process; several processes
// sharing a file are not supported.
package store

import (
	"github.com/git-pkgs/scriptwatch/internal/core"
)

// File names inside the data directory.
const (
	FindingsFile = "findings.json"
	PendingFile  = "pending.json"
	CursorFile   = "cursor.json"
	FindingsDB   = "findings.db"
)

// FindingsStore records every alert that has fired.
type FindingsStore interface {
	// Seen reports whether a finding with this key was ever recorded.
	Seen(key string) (bool, error)

	// Record stores findings whose keys are new and returns those it stored.
	Record(findings ...core.Finding) ([]core.Finding, error)

	// MarkDelivered flags the findings with the given keys as delivered.
	MarkDelivered(keys ...string) error

	// Undelivered returns recorded findings not yet delivered, oldest first.
	Undelivered() ([]core.Finding, error)

	Close() error
}

// PendingStore holds jobs that were enqueued but have not completed.
type PendingStore interface {
	Append(jobs ...core.ScanJob) error
	Remove(packageName string) error
	List() ([]core.ScanJob, error)
}

// CursorStore holds the last fully handled feed position.
type CursorStore interface {
	Load() (seq core.Sequence, ok bool, err error)
	Save(seq core.Sequence) error
}
