// Package oom implements container-OOM detection across cgroup v1 and
// v2, per spec.md §4.7. Translated from original_source/src/cgroup.c.
package oom

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroup2SuperMagic is CGROUP2_SUPER_MAGIC, used to tell v1 and v2 apart
// via statfs(2) on the cgroup mount root.
const cgroup2SuperMagic = 0x63677270

// Detector watches a container's memory cgroup for OOM kills and touches
// marker files when one occurs, per spec.md §4.7. It is sticky: once
// detected is true it stays true.
type Detector struct {
	isV2        bool
	persistPath string // optional; "" disables the <persist>/oom marker

	// v2 state
	cgroupPath  string
	lastCounter int64

	// v1 state
	eventFd          int
	eventControlFd   int
	cgroupControlPath string

	detected bool
}

// Setup resolves pid's memory cgroup and arms OOM detection, registering
// the relevant fd(s) via registerRead. Per spec.md §7 kind 5, any setup
// failure is non-fatal: Setup returns an error but the caller should warn
// and continue running without OOM detection.
func Setup(pid int, persistPath string, registerRead func(fd int, cb func(fd int) bool)) (*Detector, error) {
	var sfs unix.Statfs_t
	isV2 := false
	if err := unix.Statfs(cgroupRoot, &sfs); err == nil && int64(sfs.Type) == cgroup2SuperMagic {
		isV2 = true
	}

	d := &Detector{isV2: isV2, persistPath: persistPath, eventFd: -1, eventControlFd: -1}
	if isV2 {
		return d, d.setupV2(pid, registerRead)
	}
	return d, d.setupV1(pid, registerRead)
}

// processCgroupSubsystemPath mirrors process_cgroup_subsystem_path: it
// resolves the on-disk cgroup directory for pid's given subsystem (v1)
// or its unified hierarchy (v2, subsystem ignored).
func processCgroupSubsystemPath(pid int, v2 bool, subsystem string) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("failed to open cgroup file for pid %d: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		firstColon := strings.IndexByte(line, ':')
		if firstColon < 0 {
			continue
		}
		rest := line[firstColon+1:]
		secondColon := strings.IndexByte(rest, ':')
		if secondColon < 0 {
			continue
		}
		subsystems := rest[:secondColon]
		path := rest[secondColon+1:]

		if v2 {
			return filepath.Join(cgroupRoot, path), nil
		}
		for _, s := range strings.Split(subsystems, ",") {
			name := s
			if eq := strings.IndexByte(s, '='); eq >= 0 {
				name = s[:eq]
			}
			if name == subsystem {
				return filepath.Join(cgroupRoot, subsystem, path), nil
			}
		}
	}
	return "", fmt.Errorf("subsystem %q not found in cgroup file for pid %d", subsystem, pid)
}

// setupV2 arms the inotify(IN_MODIFY)-on-memory.events path.
func (d *Detector) setupV2(pid int, registerRead func(fd int, cb func(fd int) bool)) error {
	path, err := processCgroupSubsystemPath(pid, true, "")
	if err != nil {
		return fmt.Errorf("failed to resolve cgroup v2 path: %w", err)
	}
	d.cgroupPath = path

	ifd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("failed to create inotify fd: %w", err)
	}
	eventsPath := filepath.Join(path, "memory.events")
	if _, err := unix.InotifyAddWatch(ifd, eventsPath, unix.IN_MODIFY); err != nil {
		_ = unix.Close(ifd)
		return fmt.Errorf("failed to add inotify watch for %s: %w", eventsPath, err)
	}

	d.eventFd = ifd
	if registerRead != nil {
		registerRead(ifd, d.onInotifyReadable)
	}
	return nil
}

// onInotifyReadable drains pending inotify events and re-checks
// memory.events, per oom_cb_cgroup_v2.
func (d *Detector) onInotifyReadable(fd int) bool {
	buf := make([]byte, 4096)
	if _, err := unix.Read(fd, buf); err != nil && err != unix.EAGAIN {
		return true
	}
	d.checkV2()
	return true
}

// checkV2 re-parses memory.events for the "oom " and "oom_kill " counters,
// per check_cgroup2_oom.
func (d *Detector) checkV2() {
	path := filepath.Join(d.cgroupPath, "memory.events")
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		var rest string
		switch {
		case strings.HasPrefix(line, "oom_kill "):
			rest = line[len("oom_kill "):]
		case strings.HasPrefix(line, "oom "):
			rest = line[len("oom "):]
		default:
			continue
		}
		counter, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || counter == 0 {
			continue
		}
		if counter != d.lastCounter {
			if d.writeOOMFiles() {
				d.lastCounter = counter
			}
		}
		return
	}
}

// setupV1 arms the eventfd + cgroup.event_control notification path.
func (d *Detector) setupV1(pid int, registerRead func(fd int, cb func(fd int) bool)) error {
	memPath, err := processCgroupSubsystemPath(pid, false, "memory")
	if err != nil {
		return fmt.Errorf("failed to resolve memory cgroup path: %w", err)
	}
	d.cgroupControlPath = filepath.Join(memPath, "cgroup.event_control")

	cfd, err := unix.Open(d.cgroupControlPath, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.cgroupControlPath, err)
	}
	defer unix.Close(cfd)

	oomControlPath := filepath.Join(memPath, "memory.oom_control")
	oomFd, err := unix.Open(oomControlPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", oomControlPath, err)
	}
	d.eventControlFd = oomFd

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(oomFd)
		return fmt.Errorf("failed to create eventfd: %w", err)
	}
	d.eventFd = efd

	data := fmt.Sprintf("%d %d", efd, oomFd)
	if _, err := unix.Write(cfd, []byte(data)); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(oomFd)
		return fmt.Errorf("failed to write to cgroup.event_control: %w", err)
	}

	if registerRead != nil {
		registerRead(efd, d.onEventfdReadable)
	}
	return nil
}

// onEventfdReadable implements oom_cb_cgroup_v1: disambiguates a lone
// cgroup-removal wakeup from an actual OOM kill by checking whether
// cgroup.event_control still exists before consuming the counter.
func (d *Detector) onEventfdReadable(fd int) bool {
	_, statErr := os.Stat(d.cgroupControlPath)
	cgroupRemoved := statErr != nil

	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		return true
	}
	if n == 0 {
		return true
	}
	if n != 8 {
		return true
	}

	var count uint64
	for i := 7; i >= 0; i-- {
		count = count<<8 | uint64(buf[i])
	}
	if count == 0 {
		return true
	}
	if count == 1 && cgroupRemoved {
		return true
	}

	d.writeOOMFiles()
	return true
}

// writeOOMFiles touches "oom" in the current directory and, if
// persistPath is set, "<persist>/oom", per write_oom_files. It sets the
// sticky Detected flag. Returns true on success.
func (d *Detector) writeOOMFiles() bool {
	d.detected = true
	ok := true
	if d.persistPath != "" {
		if f, err := os.OpenFile(filepath.Join(d.persistPath, "oom"), os.O_CREATE, 0666); err == nil {
			f.Close()
		} else {
			ok = false
		}
	}
	if f, err := os.OpenFile("oom", os.O_CREATE, 0666); err == nil {
		f.Close()
	} else {
		ok = false
	}
	return ok
}

// Detected reports whether an OOM kill has ever been observed.
func (d *Detector) Detected() bool { return d.detected }

// Close releases any fds the detector holds open.
func (d *Detector) Close() {
	if d.eventFd >= 0 {
		_ = unix.Close(d.eventFd)
	}
	if d.eventControlFd >= 0 {
		_ = unix.Close(d.eventControlFd)
	}
}
