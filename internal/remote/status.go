package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/gfxqueue/internal/auth"
	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/protocol/schema"
)

var (
	ErrAddressRequired = errors.New("remote: address required")
	ErrQueueRequired   = errors.New("remote: queue name required")
	ErrClosed          = errors.New("remote: connection closed")
	ErrBadRequest      = errors.New("remote: bad request")
	ErrProtocol        = errors.New("remote: protocol violation")
)

var statusErrors = []struct {
	status uint32
	err    error
}{
	{schema.StatusNotInitialized, bufferqueue.ErrNotInitialized},
	{schema.StatusInvalidArgument, bufferqueue.ErrInvalidArgument},
	{schema.StatusWouldBlock, bufferqueue.ErrWouldBlock},
	{schema.StatusOutOfMemory, bufferqueue.ErrOutOfMemory},
	{schema.StatusDeadProducer, bufferqueue.ErrDeadProducer},
	{schema.StatusNoBufferAvailable, bufferqueue.ErrNoBufferAvailable},
	{schema.StatusPresentLater, bufferqueue.ErrPresentLater},
	{schema.StatusStaleBufferSlot, bufferqueue.ErrStaleBufferSlot},
	{schema.StatusQueueNotFound, bufferqueue.ErrQueueNotFound},
	{schema.StatusBadRequest, ErrBadRequest},
	{schema.StatusUnauthorized, auth.ErrUnauthorized},
	{schema.StatusUnknown, bufferqueue.ErrUnknown},
}

// statusFor maps a queue error onto its wire status.
func statusFor(err error) uint32 {
	if err == nil {
		return schema.StatusOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schema.StatusCanceled
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return schema.StatusUnknown
}

// errorFor rebuilds an error the caller can match with errors.Is.
func errorFor(status uint32, message string) error {
	if status == schema.StatusOK {
		return nil
	}
	if status == schema.StatusCanceled {
		return fmt.Errorf("%w: remote: %s", context.Canceled, message)
	}
	for _, se := range statusErrors {
		if se.status == status {
			return fmt.Errorf("%w: remote: %s", se.err, message)
		}
	}
	return fmt.Errorf("%w: remote status %d: %s", bufferqueue.ErrUnknown, status, message)
}

func statusName(status uint32) string {
	switch status {
	case schema.StatusOK:
		return "ok"
	case schema.StatusQueueNotFound:
		return "queue_not_found"
	case schema.StatusBadRequest:
		return "bad_request"
	case schema.StatusCanceled:
		return "canceled"
	case schema.StatusUnauthorized:
		return "unauthorized"
	}
	return bufferqueue.ErrorKind(errorFor(status, ""))
}
