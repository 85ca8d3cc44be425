package dispatch

import "errors"

var (
	// ErrQueueFull means the bounded queue had no room; the caller should
	// surface backpressure instead of blocking.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrStopped means the service no longer accepts work.
	ErrStopped = errors.New("dispatch: stopped")

	// ErrDuplicate means an identical message was enqueued inside the
	// dedup window and this one was dropped.
	ErrDuplicate = errors.New("dispatch: duplicate message")
)
