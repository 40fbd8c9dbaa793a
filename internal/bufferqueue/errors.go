package bufferqueue

import (
	"context"
	"errors"
)

var (
	ErrNotInitialized  = errors.New("bufferqueue: not initialized")
	ErrInvalidArgument = errors.New("bufferqueue: invalid argument")
	ErrWouldBlock      = errors.New("bufferqueue: would block")
	ErrOutOfMemory     = errors.New("bufferqueue: out of memory")
	ErrDeadProducer    = errors.New("bufferqueue: producer is dead")
	ErrUnknown         = errors.New("bufferqueue: unknown error")

	ErrNoBufferAvailable = errors.New("bufferqueue: no buffer available")
	ErrPresentLater      = errors.New("bufferqueue: present later")
	ErrStaleBufferSlot   = errors.New("bufferqueue: stale buffer slot")

	ErrQueueExists   = errors.New("bufferqueue: queue already registered")
	ErrQueueNotFound = errors.New("bufferqueue: queue not found")
)

// ErrorKind returns a short stable label for err, used for metrics and the wire
// status mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrWouldBlock):
		return "would_block"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrDeadProducer):
		return "dead_producer"
	case errors.Is(err, ErrNoBufferAvailable):
		return "no_buffer_available"
	case errors.Is(err, ErrPresentLater):
		return "present_later"
	case errors.Is(err, ErrStaleBufferSlot):
		return "stale_buffer_slot"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
