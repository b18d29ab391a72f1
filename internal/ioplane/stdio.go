// Package ioplane is the stdio/PTY fabric (spec.md §4.2): it couples the
// container's stdout/stderr (or PTY master) to the configured log sinks
// and to attached console clients, with partial-line-free byte framing
// (the logging package owns line framing) and the PTY HUP mitigation.
// Translated from original_source/src/ctr_stdio.c.
package ioplane

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/containers/conmon/internal/eventloop"
	"github.com/containers/conmon/internal/logging"
)

// stdioBufSize is STDIO_BUF_SIZE (spec.md §3), the size of one read.
const stdioBufSize = 8192

// Writer receives a framed copy of every byte read from the container,
// prefixed with the 1-byte stream identifier (spec.md §3's console frame
// format). internal/attach.ConsoleHub implements this.
type Writer interface {
	BroadcastOutput(frame []byte)
}

// Fabric owns the non-blocking main fds for stdout/stderr (or the PTY
// master dup'd over both), replicates reads to the configured log sinks
// and to attached console writers, and implements the PTY-HUP wakeup
// mitigation from spec.md §4.2.
type Fabric struct {
	loop *eventloop.Loop
	sink logging.Sink
	out  Writer

	mainStdout int
	mainStderr int
	isPTY      bool

	// hupTimerScheduled guards against scheduling more than one HUP
	// mitigation timer at once, per ctr_stdio.c's tty_hup_timeout_scheduled.
	hupTimerScheduled bool

	containerExitKnown func() bool
	onBothClosed       func()
}

// New builds a Fabric. containerExitKnown reports whether the container's
// exit status is already known (the supervisor's cache); onBothClosed is
// invoked once both mains have reached EOF after that becomes true,
// matching ctr_stdio.c's quit-the-loop condition.
func New(loop *eventloop.Loop, sink logging.Sink, out Writer, isPTY bool, containerExitKnown func() bool, onBothClosed func()) *Fabric {
	return &Fabric{
		loop:               loop,
		sink:               sink,
		out:                out,
		mainStdout:         -1,
		mainStderr:         -1,
		isPTY:              isPTY,
		containerExitKnown: containerExitKnown,
		onBothClosed:       onBothClosed,
	}
}

// SetMainStdout registers fd as the stdout main end (or the PTY master
// when isPTY), arming it for read readiness.
func (f *Fabric) SetMainStdout(fd int) error {
	f.mainStdout = fd
	return f.loop.Add(fd, eventloop.In|eventloop.Hup, f.makeCallback(logging.Stdout))
}

// SetMainStderr registers fd as the stderr main end. Not used in PTY mode
// (stderr is multiplexed onto the same PTY as stdout).
func (f *Fabric) SetMainStderr(fd int) error {
	f.mainStderr = fd
	return f.loop.Add(fd, eventloop.In|eventloop.Hup, f.makeCallback(logging.Stderr))
}

func (f *Fabric) makeCallback(stream logging.Stream) eventloop.Callback {
	return func(fd int, cond eventloop.Condition) bool {
		return f.onReadable(fd, stream, cond)
	}
}

// onReadable implements stdio_cb from ctr_stdio.c.
func (f *Fabric) onReadable(fd int, stream logging.Stream, cond eventloop.Condition) (keep bool) {
	hasInput := cond&eventloop.In != 0
	hasHup := cond&eventloop.Hup != 0

	readEOF := false
	if hasInput {
		readEOF = !f.readOnce(fd, stream)
	}

	if hasHup && f.isPTY && stream == logging.Stdout {
		if hasInput && !readEOF {
			return true // wait one more cycle before handling the HUP
		}
		if !f.hupTimerScheduled {
			f.hupTimerScheduled = true
			f.loop.AddTimer(100*time.Millisecond, f.onHupTimeout)
		}
		return false // G_SOURCE_REMOVE: re-added by onHupTimeout
	}

	if readEOF || (hasHup && !hasInput) {
		f.closeMain(stream)
		_ = unix.Close(fd)
		return false
	}
	return true
}

func (f *Fabric) closeMain(stream logging.Stream) {
	switch stream {
	case logging.Stdout:
		f.mainStdout = -1
		if f.containerExitKnown() && f.mainStderr < 0 {
			f.onBothClosed()
		}
	case logging.Stderr:
		f.mainStderr = -1
		if f.containerExitKnown() && f.mainStdout < 0 {
			f.onBothClosed()
		}
	}
}

func (f *Fabric) onHupTimeout() {
	f.hupTimerScheduled = false
	if f.mainStdout >= 0 {
		_ = f.loop.Add(f.mainStdout, eventloop.In|eventloop.Hup, f.makeCallback(logging.Stdout))
	}
}

// readOnce performs one read of up to stdioBufSize bytes, replicating to
// the log sink and console writers. Returns false on EOF or error (the
// caller should stop reading this fd); true if more data may follow.
func (f *Fabric) readOnce(fd int, stream logging.Stream) bool {
	// One extra leading byte reserved for the console stream-id prefix,
	// per spec.md §4.2's "the implementation reserves two extra bytes".
	real := make([]byte, stdioBufSize+1)
	buf := real[1:]

	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return true
		}
		return false
	}
	if n == 0 {
		return false
	}

	if err := f.sink.Write(stream, buf[:n]); err != nil {
		// A single log-write failure is per-event recoverable (spec.md §7
		// kind 3): warn upstream via the sink, keep going.
		_ = err
	}

	streamID := byte(2)
	if stream == logging.Stderr {
		streamID = 3
	}
	real[0] = streamID
	if f.out != nil {
		f.out.BroadcastOutput(real[:n+1])
	}
	return true
}

// DrainAtExit switches both mains to non-blocking and reads to EOF to
// capture tail output, then flushes partial-line sink buffers, per
// spec.md §4.2 "Drain at exit" / ctr_stdio.c's drain_stdio.
func (f *Fabric) DrainAtExit() {
	if f.mainStdout >= 0 {
		_ = unix.SetNonblock(f.mainStdout, true)
		for f.readOnce(f.mainStdout, logging.Stdout) {
		}
	}
	_ = f.sink.Flush(logging.Stdout)

	if f.mainStderr >= 0 {
		_ = unix.SetNonblock(f.mainStderr, true)
		for f.readOnce(f.mainStderr, logging.Stderr) {
		}
	}
	_ = f.sink.Flush(logging.Stderr)
}

// BothMainsClosed reports whether stdout and stderr mains have both
// reached EOF.
func (f *Fabric) BothMainsClosed() bool {
	return f.mainStdout < 0 && f.mainStderr < 0
}
