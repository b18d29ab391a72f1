// Package syncpipe implements the JSON sync-pipe exit-reporting protocol
// (spec.md §4.8). Translated from original_source/src/parent_pipe_fd.c.
package syncpipe

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Pipe writes JSON status reports to the caller-supplied sync pipe fd.
// A Pipe with Fd == -1 is valid and every Write call is a silent no-op,
// mirroring write_sync_fd's `if (fd == -1) return;`.
type Pipe struct {
	Fd int

	// APIVersion selects the result-object key, per spec.md §4.8's
	// table: apiVersion >= 1 uses "data"; otherwise "exit_code" when
	// exec is true, else "pid".
	APIVersion int
	Exec       bool
}

// FromEnv reads an fd number out of the named environment variable (as
// the caller-provided sync/start/attach pipe envs do: _OCI_SYNCPIPE,
// _OCI_STARTPIPE, _OCI_ATTACHPIPE) and marks it close-on-exec. Returns
// Fd == -1 if the variable is unset, per get_pipe_fd_from_env.
func FromEnv(envname string, getenv func(string) string) (int, error) {
	s := getenv(envname)
	if s == "" {
		return -1, nil
	}
	fd, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("unable to parse %s=%q: %w", envname, s, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return -1, fmt.Errorf("unable to make %s CLOEXEC: %w", envname, err)
	}
	return fd, nil
}

// Write sends one JSON status line: {"<key>": res[, "message": msg]}\n,
// per write_sync_fd. res is the result code (pid, runtime exit status, or
// container exit status depending on the call site); msg is optional.
func (p *Pipe) Write(res int, msg string) error {
	if p.Fd == -1 {
		return nil
	}

	key := "pid"
	switch {
	case p.APIVersion >= 1:
		key = "data"
	case p.Exec:
		key = "exit_code"
	}

	var json string
	if msg != "" {
		json = fmt.Sprintf("{\"%s\": %d, \"message\": \"%s\"}\n", key, res, escapeJSONString(msg))
	} else {
		json = fmt.Sprintf("{\"%s\": %d}\n", key, res)
	}

	return writeAll(p.Fd, []byte(json))
}

// escapeJSONString matches escape_json_string's byte-for-byte escaping:
// backslash and quote are backslash-escaped, newline/tab get their C
// escapes, and other control characters (and DEL) become \u00XX.
func escapeJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range []byte(s) {
		switch {
		case c == '\\' || c == '"':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString("\\n")
		case c == '\t':
			b.WriteString("\\t")
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, "\\u00%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// writeAll retries short writes and EINTR, matching write_all's
// semantics; any other error is fatal for the caller (spec.md §7 kind 1:
// the write end of the sync pipe belongs to our immediate parent, so a
// broken pipe here means the monitor has lost its supervisor).
func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("failed to write to sync pipe: %w", err)
		}
		p = p[n:]
	}
	return nil
}
