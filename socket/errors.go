package socket

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// OpError is returned by every descriptor operation that fails.
type OpError struct {
	Op  string
	FD  int
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s fd %d: %v", e.Op, e.FD, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Errno extracts the errno carried by err, or 0 when there is none.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

func opErr(op string, fd int, err error) error {
	return &OpError{Op: op, FD: fd, Err: err}
}

// dialErr maps a failed dial or accept to an errno while keeping the cause.
// Errors that already carry an errno keep it.
func dialErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", unix.ETIMEDOUT, ctxErr)
		}
		return fmt.Errorf("%w: %w", unix.EINTR, ctxErr)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", unix.ETIMEDOUT, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", unix.EBADF, err)
	}
	return fmt.Errorf("%w: %v", unix.ECONNREFUSED, err)
}

// optErr keeps the errno of a failed option call, EINVAL otherwise.
func optErr(err error) error {
	if Errno(err) != 0 {
		return err
	}
	return fmt.Errorf("%w: %v", unix.EINVAL, err)
}

// ioErr maps a failed read or write.
func ioErr(err error) error {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: %v", unix.EAGAIN, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", unix.EBADF, err)
	default:
		return fmt.Errorf("%w: %v", unix.ECONNRESET, err)
	}
}
