//go:build darwin

package looping

import "golang.org/x/sys/unix"

// newWakeFD creates the descriptor pair used to interrupt a blocked Wait.
// Darwin has no eventfd, so a non-blocking close-on-exec pipe stands in: the
// read end is registered with the backend and the write end is signalled.
// EAGAIN on a full pipe means a wakeup is already pending, matching the
// eventfd coalescing behavior.
func newWakeFD() (rfd, wfd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}
