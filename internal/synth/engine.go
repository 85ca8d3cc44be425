package synth

import "context"

// VoiceParams are the knobs that shape an engine's output. They feed the
// artifact fingerprint, so changing a voice invalidates previously cached
// audio for that engine.
type VoiceParams struct {
	Voice       string
	Speaker     int
	LengthScale float64
}

// Engine turns text into audio bytes. Implementations must be safe for use
// from a single worker goroutine and must respect the caller's context.
type Engine interface {
	ID() string
	Params() VoiceParams
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
