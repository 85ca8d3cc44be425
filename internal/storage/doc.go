package storage

// Package storage provides the best-effort persistence layer.
//
// It currently supports:
//   - Terminal playback-job audit appends (post-mortem inspection)
//   - The audio artifact index (so cache hit counters survive restarts)
//   - Optional enqueue dedup state
//
// Nothing in the playback pipeline depends on storage succeeding; every
// caller logs and continues on error.
