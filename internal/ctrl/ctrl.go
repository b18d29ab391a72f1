// Package ctrl implements the control-FIFO plane (spec.md §4.6): the
// caller-facing "ctl" FIFO carrying resize/reopen-log events, and the
// internal "winsz" FIFO that decouples parsing a resize request from
// applying it to the PTY. Translated from original_source/src/ctrl.c.
package ctrl

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Event types, matching original_source/src/config.h's ctl_msg_type.
const (
	WinResizeEvent = 1
	ReopenLogsEvent = 2
)

// ctlBufSize is CTLBUFSZ from ctrl.c: a line from the caller must fit
// within 199 bytes plus a trailing NUL.
const ctlBufSize = 200

// Handler receives parsed control events. Resize is called for
// WIN_RESIZE_EVENT lines (after the Channel's own winsz-fifo hop);
// ReopenLogs is called for REOPEN_LOGS_EVENT lines.
type Handler interface {
	Resize(rows, cols uint16)
	ReopenLogs()
}

// Channel owns the ctl and winsz FIFOs and the rolling line-reassembly
// buffer for each.
type Channel struct {
	ctlFd     int
	ctlDummyW int // dummy writer fd, kept open to avoid POLLHUP storms
	winszR    int
	winszW    int

	handler Handler

	ctlBuf   [ctlBufSize]byte
	ctlLen   int
	winszBuf [ctlBufSize]byte
	winszLen int
}

// New creates the ctl and winsz FIFOs under bundlePath ("ctl", "winsz",
// mode 0660) and registers both for read readiness via registerRead.
func New(bundlePath string, handler Handler, registerRead func(fd int, cb func(fd int) bool)) (*Channel, error) {
	c := &Channel{handler: handler}

	ctlR, ctlW, err := setupFifo(bundlePath, "ctl")
	if err != nil {
		return nil, err
	}
	c.ctlFd = ctlR
	c.ctlDummyW = ctlW // held open only to prevent EOF/HUP when callers disconnect

	winszR, winszW, err := setupFifo(bundlePath, "winsz")
	if err != nil {
		_ = unix.Close(c.ctlFd)
		_ = unix.Close(c.ctlDummyW)
		return nil, err
	}
	c.winszR = winszR
	c.winszW = winszW

	if registerRead != nil {
		registerRead(c.ctlFd, c.onCtlReadable)
		registerRead(c.winszR, c.onWinszReadable)
	}
	return c, nil
}

// setupFifo creates (or reuses) a FIFO at bundlePath/name and opens both
// ends non-blocking, per ctrl.c's setup_fifo.
func setupFifo(bundlePath, name string) (readFd, writeFd int, err error) {
	path := filepath.Join(bundlePath, name)
	if err := unix.Mkfifo(path, 0660); err != nil {
		if err != unix.EEXIST {
			return -1, -1, fmt.Errorf("failed to create %s fifo: %w", name, err)
		}
		_ = unix.Unlink(path)
		if err := unix.Mkfifo(path, 0660); err != nil {
			return -1, -1, fmt.Errorf("failed to recreate %s fifo: %w", name, err)
		}
	}

	readFd, err = unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("failed to open %s fifo for reading: %w", name, err)
	}
	writeFd, err = unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(readFd)
		return -1, -1, fmt.Errorf("failed to open %s fifo for writing: %w", name, err)
	}
	return readFd, writeFd, nil
}

// onCtlReadable handles lines on the caller-facing ctl FIFO: "<type> <h>
// <w>\n". WIN_RESIZE_EVENT forwards height/width onward via the winsz
// FIFO (decoupling parse from PTY resize, as the original ctrl.c does);
// REOPEN_LOGS_EVENT invokes the handler directly.
func (c *Channel) onCtlReadable(fd int) bool {
	return readLines(fd, c.ctlBuf[:], &c.ctlLen, func(line string) {
		var msgType, height, width int
		n, err := fmt.Sscanf(line, "%d %d %d\n", &msgType, &height, &width)
		if err != nil || n != 3 {
			return
		}
		switch msgType {
		case WinResizeEvent:
			hw := fmt.Sprintf("%d %d\n", height, width)
			if _, err := unix.Write(c.winszW, []byte(hw)); err != nil {
				// A dropped resize event is a recoverable per-event
				// failure (spec.md §7 kind 3).
				_ = err
			}
		case ReopenLogsEvent:
			if c.handler != nil {
				c.handler.ReopenLogs()
			}
		}
	})
}

// onWinszReadable handles lines on the internal winsz FIFO: "<h> <w>\n".
func (c *Channel) onWinszReadable(fd int) bool {
	return readLines(fd, c.winszBuf[:], &c.winszLen, func(line string) {
		var height, width int
		n, err := fmt.Sscanf(line, "%d %d\n", &height, &width)
		if err != nil || n != 2 {
			return
		}
		if c.handler != nil {
			c.handler.Resize(uint16(height), uint16(width))
		}
	})
}

// readLines implements read_from_ctrl_buffer: read into the fd's rolling
// buffer, invoke onLine for every complete newline-terminated message,
// and shift any trailing partial message to the front of the buffer.
func readLines(fd int, buf []byte, length *int, onLine func(line string)) bool {
	n, err := unix.Read(fd, buf[*length:len(buf)-1])
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		return true
	}
	if n <= 0 {
		return true
	}
	*length += n
	buf[*length] = 0

	start := 0
	for {
		nl := indexByte(buf[start:*length], '\n')
		if nl < 0 {
			break
		}
		onLine(string(buf[start : start+nl+1]))
		start += nl + 1
	}

	remaining := *length - start
	if remaining > 0 {
		copy(buf[0:], buf[start:*length])
	}
	*length = remaining
	return true
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Close releases all four FIFO fds.
func (c *Channel) Close() {
	_ = unix.Close(c.ctlFd)
	_ = unix.Close(c.ctlDummyW)
	_ = unix.Close(c.winszR)
	_ = unix.Close(c.winszW)
}
