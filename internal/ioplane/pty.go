package ioplane

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ReceivePTYMaster accepts one connection on the console listener socket
// and reads the PTY master fd sent as SCM_RIGHTS ancillary data alongside
// a short name string, per spec.md §4.2's "Acquisition". Translated from
// the cmsg(3) recvfd pattern in original_source/src/cmsg.c, using the
// same syscall.ParseSocketControlMessage/ParseUnixRights idiom the pack
// already relies on for fd-passing (libcontainer/process_linux.go).
func ReceivePTYMaster(listenerFd int) (masterFd int, name string, err error) {
	connFd, _, err := unix.Accept(listenerFd)
	if err != nil {
		return -1, "", fmt.Errorf("accept on console socket failed: %w", err)
	}
	defer unix.Close(connFd)

	nameBuf := make([]byte, 512)
	oob := make([]byte, syscall.CmsgSpace(4))

	n, oobn, _, _, err := syscall.Recvmsg(connFd, nameBuf, oob, 0)
	if err != nil {
		return -1, "", fmt.Errorf("recvmsg on console socket failed: %w", err)
	}

	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) != 1 {
		return -1, "", fmt.Errorf("parsing console socket control message failed: %w", err)
	}
	fds, err := syscall.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) != 1 {
		return -1, "", fmt.Errorf("parsing console socket unix rights failed: %w", err)
	}

	return fds[0], string(nameBuf[:n]), nil
}

// PreparePTYMaster sets ONLCR on the PTY, per spec.md §4.2's "Acquisition".
func PreparePTYMaster(masterFd int) error {
	termios, err := unix.IoctlGetTermios(masterFd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get PTY termios: %w", err)
	}
	termios.Oflag |= unix.ONLCR
	if err := unix.IoctlSetTermios(masterFd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set ONLCR on PTY: %w", err)
	}
	return nil
}

// Resize applies a window-size change to the PTY master, used by the
// control channel's WIN_RESIZE_EVENT handler (spec.md §4.6). It borrows
// creack/pty's Setsize (the same call the teacher and hashicorp/nomad use
// for PTY handling) against a non-owning *os.File wrapper: the finalizer
// is cleared immediately so garbage-collecting the wrapper never closes
// the real master fd, which the event loop still owns.
func Resize(masterFd int, rows, cols uint16) error {
	f := os.NewFile(uintptr(masterFd), "pty-master")
	runtime.SetFinalizer(f, nil)
	return pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols})
}
