// Package attach implements the remote-console plane (spec.md §4.5): the
// attach Unix socket, its connected RemoteClient::Console clients, and the
// sd-notify relay. Translated from original_source/src/conn_sock.c.
package attach

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// connSockBufSize is CONN_SOCK_BUF_SIZE from spec.md §4.5.
const connSockBufSize = 32 * 1024

// StdinWriter is the container stdin fd the hub drains client input into.
type StdinWriter interface {
	// WriteStdin attempts a non-blocking write of p to the container's
	// stdin. It returns the number of bytes written (which may be less
	// than len(p) if the write would block) and any hard error.
	WriteStdin(p []byte) (int, error)
	// CloseStdin closes the container's stdin, used when a console
	// client on a --stdin session disconnects (unless --leave-stdin-open).
	CloseStdin()
}

// client is a connected console RemoteClient (spec.md §3).
type client struct {
	fd           int
	readClosed   bool
	writeClosed  bool
	pendingInput []byte // bytes read from the client not yet drained into stdin
}

// ConsoleHub owns the attach listener and every connected console client,
// per spec.md §3's RemoteClient ownership rule: "clients are owned by
// their listener; when the listener terminates, all clients are closed."
type ConsoleHub struct {
	listenerFd int
	clients    []*client
	stdin      StdinWriter
	stdinOpen  bool // --stdin was requested for this session
	leaveOpen  bool // --leave-stdin-open

	backlog []byte // buffered container output before the first client attached

	registerRead  func(fd int, cb func(fd int, readable, writable bool) bool)
	deregister    func(fd int)
}

// HubConfig configures a new ConsoleHub.
type HubConfig struct {
	StdinOpen  bool
	LeaveOpen  bool
	Stdin      StdinWriter
	// RegisterRead/Deregister let the hub plug into the caller's event
	// loop without importing internal/eventloop directly (keeping the
	// attach<->eventloop dependency one-directional).
	RegisterRead func(fd int, cb func(fd int, readable, writable bool) bool)
	Deregister   func(fd int)
}

// NewConsoleHub binds, chmods 0700, and listens on a SOCK_SEQPACKET
// socket at path, per spec.md §4.5. path's parent directory must already
// exist and be short enough for sockaddr_un.sun_path (108 bytes);
// BuildAttachSocketPath below handles the symlink shortening.
func NewConsoleHub(path string, cfg HubConfig) (*ConsoleHub, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create attach socket: %w", err)
	}
	if err := unix.Fchmod(fd, 0700); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to chmod attach socket: %w", err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind attach socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, 10); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on attach socket %s: %w", path, err)
	}

	h := &ConsoleHub{
		listenerFd: fd,
		stdin:      cfg.Stdin,
		stdinOpen:  cfg.StdinOpen,
		leaveOpen:  cfg.LeaveOpen,
		registerRead: cfg.RegisterRead,
		deregister:   cfg.Deregister,
	}
	if h.registerRead != nil {
		h.registerRead(fd, h.onListenerReadable)
	}
	return h, nil
}

// BuildAttachSocketPath computes the attach socket path under
// socketDir/cuuid/attach, creating a symlink from socketDir/cuuid to
// bundlePath to keep the final path under sockaddr_un.sun_path's 108-byte
// limit (spec.md §4.1 step 11 / §4.5). When fullAttach is set, the socket
// is created directly under bundlePath instead.
func BuildAttachSocketPath(socketDir, cuuid, bundlePath string, fullAttach bool) (sockPath, symlinkPath string, err error) {
	if fullAttach {
		return filepath.Join(bundlePath, "attach"), "", nil
	}

	symlinkPath = filepath.Join(socketDir, cuuid)
	const maxSunPath = 108
	// If the symlink path length would collide with the max sun_path
	// length, shorten it by one byte (spec.md §4.5's corner case note).
	attachPath := filepath.Join(symlinkPath, "attach")
	if len(attachPath) >= maxSunPath {
		symlinkPath = symlinkPath[:len(symlinkPath)-1]
		attachPath = filepath.Join(symlinkPath, "attach")
	}

	if err := os.Remove(symlinkPath); err != nil && !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to remove existing attach symlink: %w", err)
	}
	if err := os.Symlink(bundlePath, symlinkPath); err != nil {
		return "", "", fmt.Errorf("failed to create attach symlink: %w", err)
	}
	return attachPath, symlinkPath, nil
}

// onListenerReadable implements attach_cb: accept one client, register
// it, and flush any backlog to it if it is the first.
func (h *ConsoleHub) onListenerReadable(fd int, readable, writable bool) bool {
	connFd, _, err := unix.Accept4(h.listenerFd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		return true // transient accept4 failure: spec.md §7 kind 3, warn and continue
	}

	c := &client{fd: connFd}
	first := len(h.clients) == 0
	h.clients = append(h.clients, c)
	if h.registerRead != nil {
		h.registerRead(connFd, h.onClientReadable)
	}

	if first && len(h.backlog) > 0 {
		h.writeToClient(c, h.backlog)
	}
	return true
}

// onClientReadable implements conn_sock_cb/read_conn_sock for a console
// client: input bytes are fed toward the container's stdin.
func (h *ConsoleHub) onClientReadable(fd int, readable, writable bool) bool {
	c := h.find(fd)
	if c == nil {
		return false
	}
	if writable {
		h.drainPendingInput(c)
	}
	if !readable {
		return true
	}

	buf := make([]byte, connSockBufSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		h.terminate(c)
		return false
	}
	if n == 0 {
		h.terminate(c)
		return false
	}

	c.pendingInput = append(c.pendingInput, buf[:n]...)
	h.drainPendingInput(c)
	return !c.writeClosed || !c.readClosed
}

// drainPendingInput writes as much of c's pending input into the
// container's stdin as will fit without blocking, per spec.md §4.5's
// back-pressure/fairness rule.
func (h *ConsoleHub) drainPendingInput(c *client) {
	if len(c.pendingInput) == 0 || h.stdin == nil {
		return
	}
	n, err := h.stdin.WriteStdin(c.pendingInput)
	if n > 0 {
		c.pendingInput = c.pendingInput[n:]
	}
	if err != nil && err != unix.EAGAIN {
		// container stdin is gone; nothing more we can do for this client.
		c.pendingInput = nil
	}
}

// terminate implements terminate_conn_sock: for a console client on a
// --stdin session, closes the container's stdin unless --leave-stdin-open.
func (h *ConsoleHub) terminate(c *client) {
	c.readClosed = true
	c.writeClosed = true
	if h.deregister != nil {
		h.deregister(c.fd)
	}
	_ = unix.Close(c.fd)
	h.remove(c)

	if h.stdinOpen && !h.leaveOpen && h.stdin != nil {
		h.stdin.CloseStdin()
	}
}

// BroadcastOutput forwards a stream-id-prefixed frame to every connected
// client, in reverse registration order, per spec.md §4.5 "Forwarding
// output to clients". If no client is attached yet, the frame is
// buffered as backlog for the first attacher.
func (h *ConsoleHub) BroadcastOutput(frame []byte) {
	if len(h.clients) == 0 {
		h.backlog = append(h.backlog, frame...)
		return
	}
	for i := len(h.clients) - 1; i >= 0; i-- {
		h.writeToClient(h.clients[i], frame)
	}
}

func (h *ConsoleHub) writeToClient(c *client, p []byte) {
	if c.writeClosed {
		return
	}
	if _, err := unix.Write(c.fd, p); err != nil {
		c.writeClosed = true
		if c.readClosed {
			h.terminate(c)
		}
	}
}

func (h *ConsoleHub) find(fd int) *client {
	for _, c := range h.clients {
		if c.fd == fd {
			return c
		}
	}
	return nil
}

func (h *ConsoleHub) remove(c *client) {
	for i, cc := range h.clients {
		if cc == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			return
		}
	}
}

// Close shuts down the listener and every connected client, per the
// ownership rule in spec.md §3.
func (h *ConsoleHub) Close() {
	for _, c := range h.clients {
		if h.deregister != nil {
			h.deregister(c.fd)
		}
		_ = unix.Close(c.fd)
	}
	h.clients = nil
	if h.deregister != nil {
		h.deregister(h.listenerFd)
	}
	_ = unix.Close(h.listenerFd)
}
