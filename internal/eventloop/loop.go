// Package eventloop is the neutral fd-readiness/timer/signal multiplexer
// described in spec.md §9 ("From GLib main loop to a neutral event loop"):
// per-fd readiness with IN/OUT/HUP/ERR conditions, single-shot timers, and
// a signal-fd source. It is backed by epoll on Linux via
// golang.org/x/sys/unix, mirroring the fd-centric style the teacher uses
// for its liblxc callbacks in container.go (wrapping raw unix syscalls
// behind small typed helpers).
package eventloop

import (
	"container/heap"
	"time"

	"golang.org/x/sys/unix"
)

// Condition is a bitmask of fd readiness conditions.
type Condition uint32

const (
	In  Condition = unix.EPOLLIN
	Out Condition = unix.EPOLLOUT
	Hup Condition = unix.EPOLLHUP
	Err Condition = unix.EPOLLERR
)

// Callback is invoked when a registered fd becomes ready. Returning false
// deregisters the fd from the loop (equivalent to G_SOURCE_REMOVE).
type Callback func(fd int, cond Condition) (keep bool)

// TimerFunc is invoked once when a timer fires.
type TimerFunc func()

type timer struct {
	at    time.Time
	fn    TimerFunc
	index int
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop is a single-threaded, cooperative event loop: one epoll instance,
// a min-heap of one-shot timers, and registered fd callbacks. There is no
// internal locking; it must only be driven from one goroutine, matching
// spec.md §5's "single-threaded, cooperative" scheduling model.
type Loop struct {
	epfd      int
	callbacks map[int]Callback
	timers    timerHeap
	quit      bool
}

// New creates an epoll-backed Loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{
		epfd:      epfd,
		callbacks: make(map[int]Callback),
	}, nil
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Add registers fd for the given conditions. Re-adding an fd updates its
// callback and condition mask.
func (l *Loop) Add(fd int, cond Condition, cb Callback) error {
	if _, exists := l.callbacks[fd]; exists {
		l.callbacks[fd] = cb
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: uint32(cond),
			Fd:     int32(fd),
		})
	}
	l.callbacks[fd] = cb
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: uint32(cond),
		Fd:     int32(fd),
	})
}

// Remove deregisters fd. It is not an error to remove an fd that was
// already removed or closed.
func (l *Loop) Remove(fd int) {
	if _, ok := l.callbacks[fd]; !ok {
		return
	}
	delete(l.callbacks, fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// AddTimer schedules fn to run once after d elapses.
func (l *Loop) AddTimer(d time.Duration, fn TimerFunc) {
	heap.Push(&l.timers, &timer{at: time.Now().Add(d), fn: fn})
}

// Quit requests the loop to stop after the current iteration. Matches
// spec.md §5's cancellation model: after quit, no new fd callbacks run.
func (l *Loop) Quit() {
	l.quit = true
}

// Run drives the loop until Quit is called. Each iteration waits at most
// until the next timer deadline (or indefinitely if none are pending),
// dispatches expired timers, then dispatches epoll readiness events.
func (l *Loop) Run() error {
	const maxEvents = 64
	events := make([]unix.EpollEvent, maxEvents)

	for !l.quit {
		timeout := -1
		if len(l.timers) > 0 {
			d := time.Until(l.timers[0].at)
			if d < 0 {
				d = 0
			}
			timeout = int(d.Milliseconds())
		}

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		l.fireExpiredTimers()

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			cb, ok := l.callbacks[fd]
			if !ok {
				continue
			}
			if !cb(fd, Condition(ev.Events)) {
				l.Remove(fd)
			}
		}
	}
	return nil
}

func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].at.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		t.fn()
	}
}
