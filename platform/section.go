// Package platform implements the §4.1 platform primitives the transport is
// built on: named shared sections (mmap'd files) and named auto-reset
// events. It is the Linux realization of the spec's
// create_event/open_event/signal/wait/wait_any/create_section/map_view
// abstraction boundary — see SPEC_FULL.md "Platform adaptation".
package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Section is a named, mmap'd shared-memory-backed file.
type Section struct {
	file *os.File
	data []byte
	anon bool
}

// CreateSection creates (or truncates) a section file at path and maps size
// bytes of it, exactly the way the teacher's shm.NewMatrix/NewRingBuffer map
// a fresh /dev/shm file.
func CreateSection(path string, size int) (*Section, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("platform: create section %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: truncate section %s: %w", path, err)
	}
	return mapSection(f, size, false)
}

// OpenSection opens an existing section file at path and maps it.
func OpenSection(path string, size int) (*Section, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("platform: open section %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: stat section %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("platform: section %s is smaller than expected layout", path)
	}
	return mapSection(f, size, false)
}

// CreateAnonymousSection creates an unlinked, unnamed section reachable only
// through the returned handle — the §9 "anonymous sections" extension.
func CreateAnonymousSection(size int) (*Section, error) {
	f, err := os.CreateTemp("", "xshm-anon-*")
	if err != nil {
		return nil, fmt.Errorf("platform: create anonymous section: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: unlink anonymous section: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: truncate anonymous section: %w", err)
	}
	return mapSection(f, size, true)
}

func mapSection(f *os.File, size int, anon bool) (*Section, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: mmap: %w", err)
	}
	return &Section{file: f, data: data, anon: anon}, nil
}

// View returns the mapped byte slice.
func (s *Section) View() []byte { return s.data }

// Sync flushes the mapped view back to its backing file (a no-op for
// /dev/shm's tmpfs, but meaningful if the base directory is ever pointed at
// persistent storage).
func (s *Section) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("platform: msync: %w", err)
	}
	return nil
}

// Close flushes (for named segments — anonymous ones have nothing on disk
// worth flushing), unmaps the view, and closes (and, for named segments,
// leaves on disk — removal is the owning server's responsibility) the
// backing file.
func (s *Section) Close() error {
	var syncErr error
	if !s.anon {
		syncErr = s.Sync()
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// RemoveSection deletes a named section file. Called by the owning server or
// lobby from its Close, whether or not a client still has the section mapped.
func RemoveSection(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: remove section %s: %w", path, err)
	}
	return nil
}
