package conmon

// ContainerState is the mutable runtime state tracked by the supervisor's
// event callbacks and observed by the sync-pipe reporter. Corresponds to
// spec.md §3's ContainerState. The monitor is single-threaded and
// cooperatively scheduled (spec.md §5), so no synchronization is needed:
// only the event loop goroutine ever touches this struct.
type ContainerState struct {
	RuntimeExitStatus   int
	ContainerExitStatus int
	ContainerPid        int
	CreatePid           int
	TimedOut            bool
}

// NewContainerState returns a ContainerState with exit statuses and pid
// unknown, per spec.md: "-1 until known" / "-1 until PID file read".
func NewContainerState() *ContainerState {
	return &ContainerState{
		RuntimeExitStatus:   -1,
		ContainerExitStatus: -1,
		ContainerPid:        -1,
	}
}

// ContainerPidKnown reports whether the pidfile has been read and the
// container has not yet been reaped (the supervisor resets ContainerPid to
// -1 when it reaps the container).
func (s *ContainerState) ContainerPidKnown() bool {
	return s.ContainerPid != -1
}
