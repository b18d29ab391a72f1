package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// maxIOVecs caps the writev batch, matching spec.md §4.3's 128-segment
// iovec batch (original_source uses a pipe-size-derived allocation; 128
// segments comfortably covers one full STDIO_BUF_SIZE read split on
// average-length lines).
const maxIOVecs = 128

// K8sFile is the CRI-format log writer (spec.md §4.3), translated from
// original_source/src/ctr_logging.c's write_k8s_log/writev_buffer family.
type K8sFile struct {
	path string
	fd   int

	bytesInFile      int64
	totalBytesWritten int64

	maxPerFile int64
	maxTotal   int64

	rotation      RotationPolicy
	rotateBackups int
	allowedDirs   []string

	pending [][]byte // queued segments awaiting a writev flush
	rate    *RateLimiter

	location *time.Location
}

// RotationPolicy selects k8s-file rotation behavior (spec.md §4.3).
type RotationPolicy int

const (
	RotationTruncate RotationPolicy = iota
	RotationBackup
)

// K8sFileConfig configures a new K8sFile sink.
type K8sFileConfig struct {
	Path          string
	MaxPerFile    int64
	MaxTotal      int64
	Rotation      RotationPolicy
	RotateBackups int
	AllowedDirs   []string
	Rate          *RateLimiter
}

// NewK8sFile opens (creating if needed) the log file at cfg.Path.
func NewK8sFile(cfg K8sFileConfig) (*K8sFile, error) {
	fd, err := unix.Open(cfg.Path, unix.O_WRONLY|unix.O_APPEND|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Path, err)
	}
	var st unix.Stat_t
	var existing int64
	if unix.Fstat(fd, &st) == nil {
		existing = st.Size
	}
	loc, err := localLocationOnce()
	if err != nil {
		return nil, err
	}
	rate := cfg.Rate
	if rate == nil {
		rate = NewRateLimiter(RatePassthrough, 0)
	}
	return &K8sFile{
		path:          cfg.Path,
		fd:            fd,
		bytesInFile:   existing,
		maxPerFile:    cfg.MaxPerFile,
		maxTotal:      cfg.MaxTotal,
		rotation:      cfg.Rotation,
		rotateBackups: cfg.RotateBackups,
		allowedDirs:   cfg.AllowedDirs,
		rate:          rate,
		location:      loc,
	}, nil
}

var cachedLocation *time.Location

// localLocationOnce loads the local tz database entry once per process,
// per spec.md §4.3: "The tz database is loaded once per process."
func localLocationOnce() (*time.Location, error) {
	if cachedLocation != nil {
		return cachedLocation, nil
	}
	cachedLocation = time.Local
	return cachedLocation, nil
}

// formatTimestamp renders the bit-exact CRI timestamp prefix:
// "YYYY-MM-DDThh:mm:ss.<9-digit-ns><sign>HH:MM <stream> "
func formatTimestamp(t time.Time, loc *time.Location, stream Stream) string {
	t = t.In(loc)
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	oh := offset / 3600
	om := (offset % 3600) / 60
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%09d%s%02d:%02d %s ",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(),
		sign, oh, om, stream.String())
}

// Write implements Sink. It splits p on newlines, framing each complete
// line as a full ('F') record and any trailing unterminated bytes as a
// partial ('P') record, per spec.md §4.3.
func (k *K8sFile) Write(stream Stream, p []byte) error {
	if len(p) == 0 {
		return k.Flush(stream)
	}
	ts := formatTimestamp(time.Now(), k.location, stream)

	for len(p) > 0 {
		nl := indexByte(p, '\n')
		var line []byte
		partial := false
		if nl < 0 {
			line = p
			partial = true
			p = nil
		} else {
			line = p[:nl+1]
			p = p[nl+1:]
		}

		tag := "F "
		payload := line
		if partial {
			tag = "P "
		} else {
			// strip the trailing newline from the payload; it is
			// re-appended as part of the record below.
			payload = line[:len(line)-1]
		}

		recLen := int64(len(ts) + len(tag) + len(payload) + 1) // +1 for trailing \n
		if err := k.enforceCaps(recLen); err != nil {
			if err == errDropped {
				continue
			}
			return err
		}

		if err := k.appendRecord(ts, tag, payload); err != nil {
			return err
		}
		k.bytesInFile += recLen
		k.totalBytesWritten += recLen
	}
	return k.flushPending()
}

var errDropped = fmt.Errorf("record dropped: global cap reached")

// enforceCaps applies the global and per-file size ceilings described in
// spec.md §4.3, rotating the file if needed.
func (k *K8sFile) enforceCaps(recLen int64) error {
	if k.maxTotal > 0 && k.totalBytesWritten >= k.maxTotal {
		return errDropped
	}
	if k.maxPerFile > 0 && k.bytesInFile+recLen > k.maxPerFile {
		if err := k.rotate(); err != nil {
			return err
		}
	}
	return nil
}

func (k *K8sFile) appendRecord(ts, tag string, payload []byte) error {
	segments := [][]byte{[]byte(ts), []byte(tag), payload, []byte("\n")}
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		admitted := k.rate.Admit(int64(len(seg)))
		if admitted < int64(len(seg)) {
			seg = seg[:admitted]
		}
		if len(seg) == 0 {
			continue
		}
		k.pending = append(k.pending, seg)
		if len(k.pending) >= maxIOVecs {
			if err := k.flushPending(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushPending performs the writev batch flush (spec.md §4.3 "Writev
// batching"), retrying EINTR and consuming partial writes by advancing
// across segments.
func (k *K8sFile) flushPending() error {
	if len(k.pending) == 0 {
		return nil
	}
	segs := k.pending
	k.pending = nil

	iovecs := make([][]byte, 0, len(segs))
	for _, s := range segs {
		if len(s) > 0 {
			iovecs = append(iovecs, s)
		}
	}
	for len(iovecs) > 0 {
		n, err := unix.Writev(k.fd, iovecs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("writev failed: %w", err)
		}
		iovecs = advance(iovecs, n)
	}
	return nil
}

// advance drops n written bytes from the front of a list of iovec-style
// byte slices, splitting a partially-written segment.
func advance(iovecs [][]byte, n int) [][]byte {
	for n > 0 && len(iovecs) > 0 {
		if n < len(iovecs[0]) {
			iovecs[0] = iovecs[0][n:]
			return iovecs
		}
		n -= len(iovecs[0])
		iovecs = iovecs[1:]
	}
	return iovecs
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Flush forces the pending writev batch out. Stream is accepted for
// interface symmetry with the journal writer but k8s-file has no
// per-stream partial buffer.
func (k *K8sFile) Flush(Stream) error {
	return k.flushPending()
}

// Reopen re-establishes the fd against the current path, for
// REOPEN_LOGS_EVENT (spec.md §4.6).
func (k *K8sFile) Reopen() error {
	if err := k.flushPending(); err != nil {
		return err
	}
	fd, err := unix.Open(k.path, unix.O_WRONLY|unix.O_APPEND|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen log file %s: %w", k.path, err)
	}
	old := k.fd
	k.fd = fd
	_ = unix.Close(old)
	var st unix.Stat_t
	if unix.Fstat(fd, &st) == nil {
		k.bytesInFile = st.Size
	} else {
		k.bytesInFile = 0
	}
	return nil
}

func (k *K8sFile) Close() error {
	if err := k.flushPending(); err != nil {
		return err
	}
	return unix.Close(k.fd)
}

// Sync fsyncs the log fd, called at shutdown unless --no-sync-log was
// given (spec.md §4.1 "Termination").
func (k *K8sFile) Sync() error {
	return unix.Fsync(k.fd)
}

// rotate implements the two rotation policies from spec.md §4.3.
func (k *K8sFile) rotate() error {
	if err := k.flushPending(); err != nil {
		return err
	}
	if err := k.checkRotationHazards(); err != nil {
		return err
	}

	switch k.rotation {
	case RotationTruncate:
		return k.rotateTruncate()
	case RotationBackup:
		return k.rotateBackup()
	default:
		return k.rotateTruncate()
	}
}

// checkRotationHazards implements spec.md §7 error kind 4: refuse to
// rotate if the path has become a symlink or lies outside an allow-list.
func (k *K8sFile) checkRotationHazards() error {
	fi, err := os.Lstat(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rotation hazard: cannot stat %s: %w", k.path, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("rotation hazard: %s is a symlink, refusing to rotate", k.path)
	}
	if len(k.allowedDirs) == 0 {
		return nil
	}
	dir := filepath.Dir(k.path)
	for _, allowed := range k.allowedDirs {
		if dir == allowed {
			return nil
		}
	}
	return fmt.Errorf("rotation hazard: %s is outside the configured allow-list", k.path)
}

func (k *K8sFile) rotateTruncate() error {
	tmp := k.path + ".tmp"
	fd, err := unix.Open(tmp, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create rotation tmpfile %s: %w", tmp, err)
	}
	if err := unix.Rename(tmp, k.path); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("failed to rename rotation tmpfile onto %s: %w", k.path, err)
	}
	old := k.fd
	k.fd = fd
	_ = unix.Close(old)
	k.bytesInFile = 0
	return nil
}

func (k *K8sFile) rotateBackup() error {
	lock := &unix.Flock_t{Type: unix.F_WRLCK, Whence: 0} // whence 0 == SEEK_SET
	if err := unix.FcntlFlock(uintptr(k.fd), unix.F_SETLK, lock); err != nil {
		return fmt.Errorf("rotation hazard: could not acquire advisory lock on %s: %w", k.path, err)
	}
	defer func() {
		unlock := &unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
		_ = unix.FcntlFlock(uintptr(k.fd), unix.F_SETLK, unlock)
	}()

	for i := k.rotateBackups - 1; i >= 1; i-- {
		src := k.path + "." + strconv.Itoa(i)
		dst := k.path + "." + strconv.Itoa(i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if err := os.Rename(k.path, k.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to shift current log to .1: %w", err)
	}

	fd, err := unix.Open(k.path, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create new log file %s: %w", k.path, err)
	}
	old := k.fd
	k.fd = fd
	_ = unix.Close(old)
	k.bytesInFile = 0
	return nil
}

// BytesInFile reports the current live file size, for tests.
func (k *K8sFile) BytesInFile() int64 { return k.bytesInFile }

// TotalBytesWritten reports the total bytes ever emitted, for tests.
func (k *K8sFile) TotalBytesWritten() int64 { return k.totalBytesWritten }
