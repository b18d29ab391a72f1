// Package fdtrack implements caller-injected fd hygiene (spec.md §4.10):
// a snapshot of the fds the monitor did not itself open, taken at
// static-init time, so they can be closed before the final sync message.
package fdtrack

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Snapshot is the set of fd numbers open at process start that the
// monitor did not open itself (inherited from the caller, e.g. port
// reservations).
type Snapshot struct {
	fds map[int]struct{}
}

// Take reads /proc/self/fd and records every open fd number.
func Take() (*Snapshot, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, err
	}
	s := &Snapshot{fds: make(map[int]struct{}, len(entries))}
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		s.fds[n] = struct{}{}
	}
	return s, nil
}

// CloseExcept closes every snapshotted fd that is not in keep. It never
// fails the caller: close errors are ignored, matching spec.md §4.10's
// best-effort release of caller-injected fds.
func (s *Snapshot) CloseExcept(keep ...int) {
	if s == nil {
		return
	}
	keepSet := make(map[int]struct{}, len(keep))
	for _, fd := range keep {
		keepSet[fd] = struct{}{}
	}
	for fd := range s.fds {
		if _, ok := keepSet[fd]; ok {
			continue
		}
		// Best-effort: ignore EBADF (already closed) and other errors.
		_ = unix.Close(fd)
	}
}
