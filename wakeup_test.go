//go:build linux || darwin

package looping

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// closeWakePair releases both ends, tolerating the platforms where they are
// the same descriptor.
func closeWakePair(rfd, wfd int) {
	unix.Close(rfd)
	if wfd != rfd {
		unix.Close(wfd)
	}
}

// signalWake writes the 8-byte payload Wakeup uses. EAGAIN is success: a
// wakeup is already pending.
func signalWake(t *testing.T, wfd int) {
	t.Helper()
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(wfd, buf); err != nil && err != unix.EAGAIN {
		t.Fatalf("wake write failed: %v", err)
	}
}

// TestNewWakeFD verifies both ends come back usable.
func TestNewWakeFD(t *testing.T) {
	t.Parallel()
	rfd, wfd, err := newWakeFD()
	if err != nil {
		t.Fatal(err)
	}
	defer closeWakePair(rfd, wfd)

	if rfd < 0 {
		t.Fatalf("read end is %d", rfd)
	}
	if wfd < 0 {
		t.Fatalf("write end is %d", wfd)
	}
}

// TestNewWakeFD_ReadDoesNotBlock verifies the read end is non-blocking: a
// read with no wakeup pending must fail with EAGAIN instead of hanging the
// loop goroutine.
func TestNewWakeFD_ReadDoesNotBlock(t *testing.T) {
	t.Parallel()
	rfd, wfd, err := newWakeFD()
	if err != nil {
		t.Fatal(err)
	}
	defer closeWakePair(rfd, wfd)

	var buf [8]byte
	if _, err := unix.Read(rfd, buf[:]); err != unix.EAGAIN {
		t.Fatalf("read on idle wake fd: got %v, want EAGAIN", err)
	}
}

// TestNewWakeFD_SignalThenDrain verifies the signal, drain, idle cycle the
// backends perform around every blocked wait.
func TestNewWakeFD_SignalThenDrain(t *testing.T) {
	t.Parallel()
	rfd, wfd, err := newWakeFD()
	if err != nil {
		t.Fatal(err)
	}
	defer closeWakePair(rfd, wfd)

	signalWake(t, wfd)

	var buf [8]byte
	n, err := unix.Read(rfd, buf[:])
	if err != nil {
		t.Fatalf("read after signal failed: %v", err)
	}
	if n != 8 {
		t.Fatalf("read %d bytes, want 8", n)
	}

	// Drained; the descriptor must be idle again.
	if _, err := unix.Read(rfd, buf[:]); err != unix.EAGAIN {
		t.Fatalf("read after drain: got %v, want EAGAIN", err)
	}
}

// TestNewWakeFD_SignalsCoalesce verifies repeated signals collapse into a
// bounded amount of pending data, drained the way Backend.Wait drains it:
// read until EAGAIN.
func TestNewWakeFD_SignalsCoalesce(t *testing.T) {
	t.Parallel()
	rfd, wfd, err := newWakeFD()
	if err != nil {
		t.Fatal(err)
	}
	defer closeWakePair(rfd, wfd)

	for i := 0; i < 100; i++ {
		signalWake(t, wfd)
	}

	var buf [8]byte
	reads := 0
	for {
		if _, err := unix.Read(rfd, buf[:]); err != nil {
			if err != unix.EAGAIN {
				t.Fatalf("drain read failed: %v", err)
			}
			break
		}
		reads++
		if reads > 200 {
			t.Fatal("drain did not terminate")
		}
	}
	if reads == 0 {
		t.Fatal("no pending data after signalling")
	}

	if _, err := unix.Read(rfd, buf[:]); err != unix.EAGAIN {
		t.Fatalf("read after full drain: got %v, want EAGAIN", err)
	}
}
