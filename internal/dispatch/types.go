// Package dispatch owns the playback queue. A single worker drains it in
// FIFO order so only one message ever occupies the speaker at a time.
package dispatch

import "time"

// State is a job's position in its lifecycle. Transitions only move forward:
// Queued, Synthesizing, Ready, Dispatching, then Played or Failed.
type State string

const (
	StateQueued       State = "queued"
	StateSynthesizing State = "synthesizing"
	StateReady        State = "ready"
	StateDispatching  State = "dispatching"
	StatePlayed       State = "played"
	StateFailed       State = "failed"
)

// Terminal reports whether the job is finished, successfully or not.
func (s State) Terminal() bool { return s == StatePlayed || s == StateFailed }

// Message is one notification to speak.
type Message struct {
	Source       string // "github", "custom", ...
	Text         string
	LanguageHint string
	// DedupeKey, when set, replaces the derived (source, text, hint) key in
	// the duplicate window, letting callers collapse messages whose text
	// differs (a re-run CI job, a flapping alert).
	DedupeKey string
}

// JobStatus is the externally visible record of a job.
type JobStatus struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	State       State     `json:"state"`
	Language    string    `json:"language,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Native      bool      `json:"native,omitempty"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

type job struct {
	id         string
	msg        Message
	enqueuedAt time.Time
}
