// Command conmon is the OCI container process monitor: it supervises one
// runtime invocation (create or exec), forwards stdio to the configured
// log sinks and attach clients, and reports the final exit status over
// the caller-supplied sync pipe. See spec.md §6 for the full external
// interface this flag set implements.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	conmon "github.com/containers/conmon"
	"github.com/containers/conmon/internal/conmonlog"
)

// version and commit are set via -ldflags at release build time; left at
// "unknown" in a development build, matching the teacher's own
// cmd/lxcri-conmon versioning convention.
var (
	version = "unknown"
	commit  = "unknown"
)

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("version %s\ncommit %s\n", version, commit)
	}

	app := &cli.App{
		Name:    "conmon",
		Usage:   "OCI container process monitor",
		Version: version,
		Flags:   flags(),
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "cid", Required: true, Usage: "container id"},
		&cli.StringFlag{Name: "cuuid", Usage: "container uuid; generated when omitted"},
		&cli.StringFlag{Name: "name", Usage: "container name"},
		&cli.StringFlag{Name: "runtime", Required: true, Usage: "path to the OCI runtime binary"},
		&cli.StringSliceFlag{Name: "runtime-arg", Usage: "extra argument passed through to the runtime, repeatable"},
		&cli.StringFlag{Name: "bundle", Usage: "OCI bundle path"},
		&cli.BoolFlag{Name: "terminal", Aliases: []string{"t"}, Usage: "allocate a PTY for the container"},
		&cli.BoolFlag{Name: "stdin", Usage: "keep the container's stdin open"},
		&cli.BoolFlag{Name: "leave-stdin-open", Usage: "don't close the container's stdin when an attached client disconnects"},
		&cli.StringSliceFlag{Name: "log-path", Usage: "driver:path (or bare path for k8s-file), repeatable"},
		&cli.Int64Flag{Name: "log-size-max", Value: -1, Usage: "max bytes per k8s-file log before rotation, -1 for unbounded"},
		&cli.Int64Flag{Name: "log-global-size-max", Value: -1, Usage: "max total bytes ever written to a k8s-file log, -1 for unbounded"},
		&cli.StringFlag{Name: "log-tag", Usage: "journald SYSLOG_IDENTIFIER override"},
		&cli.StringSliceFlag{Name: "log-label", Usage: "KEY=VALUE journald field, repeatable"},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "conmon's own log level"},
		&cli.BoolFlag{Name: "syslog", Usage: "additionally log conmon's own logs to syslog"},
		&cli.BoolFlag{Name: "exec", Usage: "this is an exec session, not a container create"},
		&cli.StringFlag{Name: "exec-process-spec", Usage: "path to the process spec for --exec"},
		&cli.BoolFlag{Name: "exec-attach", Usage: "confirm exec attach readiness over the attach pipe"},
		&cli.IntFlag{Name: "api-version", Value: 0, Usage: "sync-pipe wire format version"},
		&cli.StringFlag{Name: "restore", Usage: "checkpoint image path to restore from"},
		&cli.IntFlag{Name: "timeout", Usage: "seconds before the container is killed, 0 disables"},
		&cli.StringFlag{Name: "persist-dir", Usage: "directory to persist exit/oom marker files"},
		&cli.StringFlag{Name: "exit-dir", Usage: "directory to persist <cid> exit code files"},
		&cli.StringFlag{Name: "exit-command", Usage: "program to run after the supervisor terminates"},
		&cli.StringSliceFlag{Name: "exit-command-arg", Usage: "argument to the exit command, repeatable"},
		&cli.IntFlag{Name: "exit-delay", Usage: "seconds to sleep before running the exit command"},
		&cli.StringFlag{Name: "socket-dir-path", Value: "/var/run/crio", Usage: "base directory for the attach socket symlink"},
		&cli.BoolFlag{Name: "full-attach", Usage: "create the attach socket directly under the bundle"},
		&cli.StringFlag{Name: "sdnotify-socket", Usage: "host NOTIFY_SOCKET to relay filtered sd-notify datagrams to"},
		&cli.StringFlag{Name: "container-pid-file", Usage: "path the runtime writes the container pid to"},
		&cli.StringFlag{Name: "conmon-pid-file", Usage: "path to write conmon's own pid to"},
		&cli.BoolFlag{Name: "sync", Usage: "stay a direct child instead of detaching"},
		&cli.BoolFlag{Name: "no-sync-log", Usage: "skip fsync on log files at shutdown"},
		&cli.BoolFlag{Name: "no-new-keyring", Usage: "passed through to the runtime"},
		&cli.BoolFlag{Name: "no-pivot", Usage: "passed through to the runtime"},
		&cli.BoolFlag{Name: "systemd-cgroup", Usage: "passed through to the runtime"},
		&cli.BoolFlag{Name: "replace-listen-pid", Usage: "rewrite LISTEN_PID to the container pid"},
	}
}

func run(c *cli.Context) error {
	cuuid := c.String("cuuid")
	if cuuid == "" {
		cuuid = uuid.NewString()
	}

	logDrivers, err := parseLogSpecs(c.StringSlice("log-path"))
	if err != nil {
		return err
	}
	applyLogSizeCaps(logDrivers, c.Int64("log-size-max"), c.Int64("log-global-size-max"))

	if hasPassthrough(logDrivers) && term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("cannot use a tty with passthrough logging mode")
	}

	labels, err := parseLabels(c.StringSlice("log-label"))
	if err != nil {
		return err
	}

	if c.Bool("exec") {
		if err := validateExecProcessSpec(c.String("exec-process-spec")); err != nil {
			return err
		}
	}

	cfg := &conmon.MonitorConfig{
		ContainerIDShort: c.String("cid"),
		ContainerIDLong:  c.String("cid"),
		ContainerName:    c.String("name"),
		RuntimePath:      c.String("runtime"),
		RuntimeArgs:      c.StringSlice("runtime-arg"),
		BundlePath:       c.String("bundle"),
		PTY:              c.Bool("terminal"),
		StdinOpen:        c.Bool("stdin"),
		LeaveStdinOpen:   c.Bool("leave-stdin-open"),
		LogDrivers:       logDrivers,
		LogTag:           c.String("log-tag"),
		LogLabels:        labels,
		TimeoutSecs:      c.Int("timeout"),
		PersistDir:       c.String("persist-dir"),
		ExitDir:          c.String("exit-dir"),
		APIVersion:       c.Int("api-version"),
		ExitCommand:      exitCommandFrom(c),
		SDNotifySocket:   c.String("sdnotify-socket"),
		PidFile:          c.String("conmon-pid-file"),
		ContainerPidFile: c.String("container-pid-file"),
		CUUID:            cuuid,
		SocketDirPath:    c.String("socket-dir-path"),
		FullAttach:       c.Bool("full-attach"),
		Exec:             c.Bool("exec"),
		ExecAttach:       c.Bool("exec-attach"),
		ExecProcessSpec:  c.String("exec-process-spec"),
		Restore:          c.String("restore") != "",
		SystemdCgroup:    c.Bool("systemd-cgroup"),
		Sync:             c.Bool("sync"),
		NoSyncLog:        c.Bool("no-sync-log"),
		NoNewKeyring:     c.Bool("no-new-keyring"),
		NoPivot:          c.Bool("no-pivot"),
		ReplaceListenPid: c.Bool("replace-listen-pid"),
		Syslog:           c.Bool("syslog"),
		LogLevel:         c.String("log-level"),
	}

	logFile, err := conmonlog.OpenFile(filepath.Join(os.TempDir(), "conmon.log"), 0644)
	if err != nil {
		return fmt.Errorf("failed to open conmon's own log file: %w", err)
	}
	defer logFile.Close()
	log := conmonlog.New(logFile, conmonlog.ParseLevel(cfg.LogLevel), cfg.Syslog)

	sup := conmon.New(cfg, log)
	exitCode, err := sup.Run()
	if err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		os.Exit(1)
	}
	os.Exit(exitCode)
	return nil
}

func hasPassthrough(specs []conmon.LogSpec) bool {
	for _, s := range specs {
		if s.Driver == conmon.LogDriverPassthrough {
			return true
		}
	}
	return false
}

func applyLogSizeCaps(drivers []conmon.LogSpec, perFile, global int64) {
	for i := range drivers {
		if drivers[i].Driver != conmon.LogDriverK8sFile {
			continue
		}
		if perFile > 0 {
			drivers[i].MaxPerFile = perFile
		}
		if global > 0 {
			drivers[i].MaxTotal = global
		}
	}
}

func parseLogSpecs(raw []string) ([]conmon.LogSpec, error) {
	specs := make([]conmon.LogSpec, 0, len(raw))
	for _, r := range raw {
		spec, err := conmon.ParseLogSpec(r)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseLabels(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(raw))
	for _, r := range raw {
		k, v, err := conmon.ParseLabel(r)
		if err != nil {
			return nil, err
		}
		labels[k] = v
	}
	return labels, nil
}

func exitCommandFrom(c *cli.Context) *conmon.ExitCommand {
	path := c.String("exit-command")
	if path == "" {
		return nil
	}
	return &conmon.ExitCommand{
		Path:      path,
		Args:      c.StringSlice("exit-command-arg"),
		DelaySecs: c.Int("exit-delay"),
	}
}

// validateExecProcessSpec decodes the OCI process spec so a malformed
// --exec-process-spec fails fast in the monitor instead of surfacing as
// an opaque runtime error later.
func validateExecProcessSpec(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read exec process spec %s: %w", path, err)
	}
	var proc specs.Process
	if err := json.Unmarshal(data, &proc); err != nil {
		return fmt.Errorf("invalid exec process spec %s: %w", path, err)
	}
	if len(proc.Args) == 0 {
		return fmt.Errorf("exec process spec %s has no args", path)
	}
	return nil
}
