package mirror

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotADocument signals that a body is well-formed XML without an alert in it.
	ErrNotADocument = errors.New("not a CAP alert")
	// ErrDocumentFormat signals a body that cannot be interpreted as an alert.
	ErrDocumentFormat = errors.New("CAP format error")
	// ErrIndexFormat signals a body that is neither an RSS nor an ATOM index.
	ErrIndexFormat = errors.New("CAP index format error")
	// ErrLockHeld is returned by lockers when another owner holds the lease.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrBadTask marks a queue payload that redelivery cannot fix.
	ErrBadTask = errors.New("malformed task")
)

// IsControl reports whether err is a cancellation or deadline signal that
// must abort the current invocation instead of being recorded.
func IsControl(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
