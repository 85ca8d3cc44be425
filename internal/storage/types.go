package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobAuditEntry records a playback job that reached a terminal state.
// Keep it compact and schema-stable.
type JobAuditEntry struct {
	At          time.Time
	JobID       string
	Source      string
	Text        string
	Language    string
	Fingerprint string
	State       string
	Attempts    int
	TookMS      int64
	Error       string
}

// ArtifactRow is one persisted audio cache index entry.
type ArtifactRow struct {
	Size     int64
	Hits     uint64
	LastUsed time.Time
}
