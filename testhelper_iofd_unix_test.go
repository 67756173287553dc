//go:build linux || darwin

package looping

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// readFD reads raw bytes from a descriptor registered with the loop.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// testPipe creates a pipe suitable for readiness registration. The read end
// is returned as a raw descriptor; writes go through the *os.File.
func testPipe(t *testing.T) (rfd int, w *os.File, cleanup func()) {
	t.Helper()
	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		t.Fatal("os.Pipe failed:", err)
	}
	if err := SetNonblocking(int(pipeR.Fd()), true); err != nil {
		pipeR.Close()
		pipeW.Close()
		t.Fatal("set nonblocking failed:", err)
	}
	return int(pipeR.Fd()), pipeW, func() {
		pipeR.Close()
		pipeW.Close()
	}
}

// testSocketpair creates a connected stream pair. Both descriptors are
// non-blocking; closing the peer produces a hangup on the other end.
func testSocketpair(t *testing.T) (local, peer int, cleanup func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal("Socketpair failed:", err)
	}
	for _, fd := range fds {
		if err := SetNonblocking(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			t.Fatal("set nonblocking failed:", err)
		}
	}
	var closed [2]bool
	return fds[0], fds[1], func() {
		if !closed[0] {
			unix.Close(fds[0])
			closed[0] = true
		}
		if !closed[1] {
			unix.Close(fds[1])
			closed[1] = true
		}
	}
}
