//go:build linux

package looping

import "golang.org/x/sys/unix"

// newWakeFD creates the descriptor pair used to interrupt a blocked Wait. On
// Linux a single non-blocking eventfd serves as both the read and write end;
// its counter coalesces any number of pending wakeups into one readiness
// report.
func newWakeFD() (rfd, wfd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, 0, err
	}
	return fd, fd, nil
}
