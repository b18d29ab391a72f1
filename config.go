package conmon

import (
	"fmt"
	"regexp"
	"strings"
)

// LogDriver identifies one of the log sinks a MonitorConfig can wire up.
type LogDriver string

const (
	// LogDriverNone disables logging entirely.
	LogDriverNone LogDriver = "none"
	// LogDriverPassthrough dups the runtime's stdio over the monitor's own,
	// bypassing the stdio fabric entirely.
	LogDriverPassthrough LogDriver = "passthrough"
	// LogDriverK8sFile is the CRI line-framed log file format.
	LogDriverK8sFile LogDriver = "k8s-file"
	// LogDriverJournald emits structured journal records.
	LogDriverJournald LogDriver = "journald"
)

// RotationPolicy selects how the k8s-file writer behaves once max-per-file
// is exceeded.
type RotationPolicy int

const (
	// RotationTruncate replaces the file atomically, discarding history.
	RotationTruncate RotationPolicy = iota
	// RotationBackup shifts .N-1 -> .N and keeps N generations.
	RotationBackup
)

// LogSpec is one configured log driver and its destination/caps.
type LogSpec struct {
	Driver LogDriver
	Path   string // required for K8sFile, ignored otherwise

	MaxPerFile int64 // 0 = unbounded
	MaxTotal   int64 // 0 = unbounded

	Rotation      RotationPolicy
	RotateBackups int // generations to keep when Rotation == RotationBackup

	// AllowedDirs restricts where a backup-policy rotation may create
	// numbered siblings; empty means unrestricted.
	AllowedDirs []string
}

// ParseLogSpec parses one --log-path value of the form
// "<driver>:<path>" or a bare "<path>" (meaning k8s-file), following
// original_source/src/ctr_logging.c:parse_log_path.
func ParseLogSpec(s string) (LogSpec, error) {
	if s == "" {
		return LogSpec{}, fmt.Errorf("log-path must not be empty")
	}
	driver, path, hasColon := strings.Cut(s, ":")
	if !hasColon {
		return LogSpec{Driver: LogDriverK8sFile, Path: driver}, nil
	}
	switch driver {
	case "off", "null", "none":
		return LogSpec{Driver: LogDriverNone}, nil
	case "passthrough":
		return LogSpec{Driver: LogDriverPassthrough}, nil
	case "journald":
		return LogSpec{Driver: LogDriverJournald, Path: path}, nil
	case "k8s-file":
		if path == "" {
			return LogSpec{}, fmt.Errorf("k8s-file requires a filename")
		}
		return LogSpec{Driver: LogDriverK8sFile, Path: path}, nil
	default:
		return LogSpec{}, fmt.Errorf("no such log driver %q", driver)
	}
}

var labelKeyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// ParseLabel parses a "KEY=VALUE" --log-label argument. The key is
// restricted to uppercase ASCII letters, digits, and underscores because
// it becomes a journal field name.
func ParseLabel(s string) (key, value string, err error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", fmt.Errorf("log-label %q is not KEY=VALUE", s)
	}
	if !labelKeyPattern.MatchString(key) {
		return "", "", fmt.Errorf("log-label key %q must match [A-Z0-9_]+", key)
	}
	return key, value, nil
}

// ExitCommand is the optional program run after the supervisor terminates.
type ExitCommand struct {
	Path       string
	Args       []string
	DelaySecs  int
}

// MonitorConfig is the immutable configuration of a single monitor
// invocation. It corresponds 1:1 to spec.md §3's MonitorConfig and to the
// CLI surface of spec.md §6.
type MonitorConfig struct {
	ContainerIDShort string
	ContainerIDLong  string
	ContainerName    string

	RuntimePath string
	RuntimeArgs []string
	BundlePath  string

	PTY             bool
	StdinOpen       bool
	LeaveStdinOpen  bool

	LogDrivers []LogSpec
	LogTag     string
	LogLabels  map[string]string

	TimeoutSecs int // 0 = no timeout

	PersistDir string
	ExitDir    string

	APIVersion int

	ExitCommand *ExitCommand

	SDNotifySocket string

	PidFile          string // conmon's own pidfile
	ContainerPidFile string
	CUUID            string
	SocketDirPath    string
	FullAttach       bool

	Exec             bool
	ExecAttach       bool
	ExecProcessSpec  string
	Restore          bool

	SystemdCgroup      bool
	Sync               bool // skip double-fork, stay a direct child
	NoSyncLog          bool
	NoNewKeyring       bool
	NoPivot            bool
	ReplaceListenPid   bool
	Syslog             bool
	LogLevel           string
}

// Validate enforces the invariants spec.md §3 lists for MonitorConfig.
func (c *MonitorConfig) Validate() error {
	if c.ContainerIDShort == "" {
		return fmt.Errorf("container id is required")
	}
	if c.RuntimePath == "" {
		return fmt.Errorf("runtime path is required")
	}

	hasJournald := false
	for _, d := range c.LogDrivers {
		switch d.Driver {
		case LogDriverJournald:
			hasJournald = true
		case LogDriverK8sFile:
			if d.Path == "" {
				return fmt.Errorf("k8s-file driver requires a path")
			}
		}
	}
	if (c.LogTag != "" || len(c.LogLabels) > 0) && !hasJournald {
		return fmt.Errorf("log-tag/log-label require the journald driver to be active")
	}
	return nil
}
