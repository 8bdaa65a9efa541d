package platform

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// WaitOutcome is the result of a blocking wait (§4.1).
type WaitOutcome int

const (
	Signalled WaitOutcome = iota
	TimedOut
)

// Event is a named, auto-reset event backed by a FIFO: Signal performs a
// non-blocking single-byte write, Wait/WaitAny poll for readability and
// drain exactly one byte per wakeup.
//
// Signal first checks whether a byte is already pending and, if so, writes
// nothing, so an already-signalled event stays at one pending byte. With a
// single signaller per event the check cannot race another write; a byte
// drained between the check and the write only costs one extra wakeup, and
// every consumer of a wakeup re-checks the real shared-memory state (ring
// message_count, control-block state) anyway.
// See SPEC_FULL.md "Platform adaptation".
type Event struct {
	path string
	file *os.File
}

// CreateEvent creates the named FIFO (removing any stale file left behind
// by a crashed prior run) and opens it non-blocking, read-write so opening
// never blocks waiting for a peer.
func CreateEvent(path string) (*Event, error) {
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("platform: mkfifo %s: %w", path, err)
	}
	return openEvent(path)
}

// OpenEvent opens an event FIFO created by the peer process.
func OpenEvent(path string) (*Event, error) {
	return openEvent(path)
}

func openEvent(path string) (*Event, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, fmt.Errorf("platform: open event %s: %w", path, err)
	}
	return &Event{path: path, file: f}, nil
}

// Fd returns the underlying file descriptor, for building a WaitAny set.
func (e *Event) Fd() int { return int(e.file.Fd()) }

// Signal posts a wakeup, non-blocking and idempotent: it is a no-op while a
// previous signal is still pending (see type doc comment).
func (e *Event) Signal() error {
	pending := []unix.PollFd{{Fd: int32(e.Fd()), Events: unix.POLLIN}}
	if n, err := pollRetry(pending, 0); err == nil && n > 0 && pending[0].Revents&unix.POLLIN != 0 {
		return nil
	}
	var b [1]byte
	_, err := unix.Write(e.Fd(), b[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("platform: signal %s: %w", e.path, err)
	}
	return nil
}

// Wait blocks until signalled or timeout elapses. A nil timeout blocks
// indefinitely.
func (e *Event) Wait(timeout *time.Duration) (WaitOutcome, error) {
	ms := -1
	if timeout != nil {
		ms = int(timeout.Milliseconds())
	}
	fds := []unix.PollFd{{Fd: int32(e.Fd()), Events: unix.POLLIN}}
	n, err := pollRetry(fds, ms)
	if err != nil {
		return TimedOut, fmt.Errorf("platform: poll %s: %w", e.path, err)
	}
	if n == 0 {
		return TimedOut, nil
	}
	drain(e.Fd())
	return Signalled, nil
}

// WaitAny blocks until any of events is signalled, returning the lowest
// signalled index, or TimedOut if the timeout elapses first.
func WaitAny(events []*Event, timeout *time.Duration) (int, WaitOutcome, error) {
	fds := make([]int, len(events))
	for i, e := range events {
		fds[i] = e.Fd()
	}
	return WaitAnyFd(fds, timeout)
}

// WaitAnyFd is the raw-descriptor form of WaitAny, for callers (the slot
// multiplexer) that build a wait-set dynamically from several Events'
// descriptors rather than holding the Events themselves.
func WaitAnyFd(fds []int, timeout *time.Duration) (int, WaitOutcome, error) {
	ms := -1
	if timeout != nil {
		ms = int(timeout.Milliseconds())
	}
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	n, err := pollRetry(pfds, ms)
	if err != nil {
		return -1, TimedOut, fmt.Errorf("platform: poll_any: %w", err)
	}
	if n == 0 {
		return -1, TimedOut, nil
	}
	for i, pfd := range pfds {
		if pfd.Revents&unix.POLLIN != 0 {
			drain(int(pfd.Fd))
			return i, Signalled, nil
		}
	}
	return -1, TimedOut, nil
}

func pollRetry(fds []unix.PollFd, timeoutMs int) (int, error) {
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func drain(fd int) {
	var b [1]byte
	_, _ = unix.Read(fd, b[:])
}

// Close closes the event's file descriptor. The FIFO path itself is left on
// disk for the peer; the owning endpoint removes it on teardown.
func (e *Event) Close() error { return e.file.Close() }

// RemoveEvent deletes the named FIFO.
func RemoveEvent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: remove event %s: %w", path, err)
	}
	return nil
}
