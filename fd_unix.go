//go:build linux || darwin

package looping

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SetNonblocking sets or clears O_NONBLOCK on fd. Descriptors handed to
// AddReader and AddWriter should be non-blocking: the loop reports readiness
// but never performs the I/O, and a blocking read in a callback stalls every
// other callback behind it.
func SetNonblocking(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// IsTryAgain reports whether err is the transient would-block family
// (EAGAIN, EWOULDBLOCK, EINPROGRESS). Callbacks use it to distinguish "retry
// on next readiness" from a real failure.
func IsTryAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINPROGRESS)
}
