package attach

import (
	"bytes"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"
)

// notifySockBufSize is CONN_SOCK_BUF_SIZE (spec.md §4.5's notify path).
const notifySockBufSize = 32 * 1024

// readyPayload/watchdogPayload are the only two sd_notify(3) datagrams
// this relay forwards; everything else the container's init process
// sends is dropped. Sourced from go-systemd/daemon's own constants
// instead of re-declaring the literal strings.
var (
	readyPayload    = []byte(daemon.SdNotifyReady)
	watchdogPayload = []byte(daemon.SdNotifyWatchdog)
)

// NotifyRelay is the sd-notify filtering relay described in spec.md §4.5:
// it owns a datagram socket under <bundle>/notify/notify.sock that the
// container's init process sends sd_notify(3) datagrams to, and forwards
// a filtered subset of those datagrams to the host's real NOTIFY_SOCKET.
type NotifyRelay struct {
	listenerFd int
	hostAddr   *unix.SockaddrUnix // nil when no host relay is configured
}

// NewNotifyRelay binds a SOCK_DGRAM socket at listenPath (mode 0777, per
// spec.md §6's socket directory layout) and, if hostNotifySocket is
// non-empty, prepares to forward filtered datagrams to it.
func NewNotifyRelay(listenPath, hostNotifySocket string, registerRead func(fd int, cb func(fd int, readable, writable bool) bool)) (*NotifyRelay, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify relay socket: %w", err)
	}
	_ = unix.Unlink(listenPath)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: listenPath}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind notify relay socket %s: %w", listenPath, err)
	}
	if err := unix.Chmod(listenPath, 0777); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to chmod notify relay socket: %w", err)
	}

	r := &NotifyRelay{listenerFd: fd}
	if hostNotifySocket != "" {
		r.hostAddr = &unix.SockaddrUnix{Name: hostNotifySocket}
	}
	if registerRead != nil {
		registerRead(fd, r.onReadable)
	}
	return r, nil
}

// onReadable implements the notify-path half of spec.md §4.5's
// read_conn_sock: recvfrom, filter to exactly "READY=1" or "WATCHDOG=1",
// and forward by non-blocking sendto with MSG_NOSIGNAL.
func (r *NotifyRelay) onReadable(fd int, readable, writable bool) bool {
	buf := make([]byte, notifySockBufSize)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		return true
	}
	if n == 0 {
		return true
	}

	payload := buf[:n]
	var out []byte
	switch {
	case bytes.Contains(payload, readyPayload):
		out = readyPayload
	case bytes.Contains(payload, watchdogPayload):
		out = watchdogPayload
	default:
		return true
	}

	if r.hostAddr == nil {
		return true
	}
	_ = unix.Sendto(r.listenerFd, out, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT, r.hostAddr)
	return true
}

// Close releases the relay socket.
func (r *NotifyRelay) Close() {
	_ = unix.Close(r.listenerFd)
}
