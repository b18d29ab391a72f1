package conmon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon/internal/attach"
	"github.com/containers/conmon/internal/ctrl"
	"github.com/containers/conmon/internal/eventloop"
	"github.com/containers/conmon/internal/exitcmd"
	"github.com/containers/conmon/internal/fdtrack"
	"github.com/containers/conmon/internal/ioplane"
	"github.com/containers/conmon/internal/logging"
	"github.com/containers/conmon/internal/oom"
	"github.com/containers/conmon/internal/runtimearg"
	"github.com/containers/conmon/internal/syncpipe"
)

// detachedEnvVar marks a process as the already-detached grandchild of a
// Supervisor.Run invocation, so Detach does not recurse. Standing in for
// the C implementation's literal double-fork, which is unsafe to
// replicate with a bare fork(2) in a multi-threaded Go runtime: the
// monitor instead re-execs itself (syscall.ForkExec never returns into
// Go code pre-exec, unlike a bare fork) with Setsid, the same "redo
// myself as a detached process" shape containerd-shim and dockerd use.
const detachedEnvVar = "_CONMON_DETACHED"

// Supervisor drives one container (or exec session) through the full
// lifecycle in spec.md §4.1: detach, runtime invocation, event-loop
// driven supervision, and termination/reporting.
type Supervisor struct {
	cfg   *MonitorConfig
	log   zerolog.Logger
	state *ContainerState

	loop *eventloop.Loop
	fds  *fdtrack.Snapshot

	sink    logging.Sink
	fabric  *ioplane.Fabric
	hub     *attach.ConsoleHub
	notify  *attach.NotifyRelay
	ctl     *ctrl.Channel
	detector *oom.Detector

	syncPipe   syncpipe.Pipe
	attachPipe syncpipe.Pipe

	signalFD *eventloop.SignalFD

	// pidCallbacks maps a child pid to the function that should run when
	// SIGCHLD reaping observes its exit status (spec.md §4.1 step 14).
	pidCallbacks map[int]func(status unix.WaitStatus)
	// exitStatusCache holds (pid,status) pairs reaped before a callback
	// was registered for them (spec.md §4.1's "Exit-status cache").
	exitStatusCache map[int]unix.WaitStatus

	devNullR *os.File
	devNullW *os.File

	priorOOMScoreAdj string

	mainStdinWrite int // write end of the container's stdin pipe (non-PTY mode)

	// Non-PTY worker-side pipe fds, held only between setupPipes and the
	// runtime fork that inherits them.
	stdinWorkerR  int
	stdoutWorkerW int
	stderrWorkerW int

	attachSymlinkPath string
}

// New builds a Supervisor for cfg. log is the monitor's own operational
// logger (internal/conmonlog), distinct from the container stdio sinks.
func New(cfg *MonitorConfig, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		log:             log,
		state:           NewContainerState(),
		pidCallbacks:    make(map[int]func(status unix.WaitStatus)),
		exitStatusCache: make(map[int]unix.WaitStatus),
		mainStdinWrite:  -1,
		stdinWorkerR:    -1,
		stdoutWorkerW:   -1,
		stderrWorkerW:   -1,
	}
}

// Run executes the full lifecycle and returns the process exit code to
// report to the immediate parent (spec.md §4.1's final step). In the
// original process of a detached run, Run returns 0 as soon as detach has
// started the re-exec'd child and written the pidfile; the caller then
// exits with that code.
func (s *Supervisor) Run() (int, error) {
	if err := s.cfg.Validate(); err != nil {
		return 1, fmt.Errorf("invalid configuration: %w", err)
	}

	// alreadyDetached is true in the re-exec'd grandchild half of a
	// detached run: the steps only the original process should perform
	// (the start-pipe rendezvous, the detach itself) are skipped there.
	alreadyDetached := os.Getenv(detachedEnvVar) == "1"

	// Step 1: OOM score.
	s.adjustOOMScore("-1000")

	// Step 2: ignore SIGPIPE; termination signals are (re)installed once
	// the container/create pid is known, in installSignalForwarding.
	signal.Ignore(syscall.SIGPIPE)

	if !alreadyDetached {
		// Step 3: start-pipe rendezvous.
		if err := s.waitStartPipe(); err != nil {
			return 1, err
		}
	}

	// Snapshot the inherited fds before the monitor opens any of its own.
	var err error
	s.fds, err = fdtrack.Take()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to snapshot inherited fds")
	}

	// Step 4: /dev/null substitutes.
	s.devNullR, err = os.Open(os.DevNull)
	if err != nil {
		return 1, fmt.Errorf("failed to open %s for reading: %w", os.DevNull, err)
	}
	s.devNullW, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return 1, fmt.Errorf("failed to open %s for writing: %w", os.DevNull, err)
	}

	// Step 5: detach via double-fork equivalent. On success the original
	// process's job is done: the re-exec'd grandchild carries the
	// lifecycle forward, and this process returns as the intermediate
	// parent does in the C implementation (pidfile already written).
	if !s.cfg.Sync && !alreadyDetached {
		if err := s.detach(); err != nil {
			return 1, err
		}
		return 0, nil
	}

	s.syncPipe.Fd, _ = syncpipe.FromEnv("_OCI_SYNCPIPE", os.Getenv)
	s.syncPipe.APIVersion = s.cfg.APIVersion
	s.syncPipe.Exec = s.cfg.Exec
	s.attachPipe.Fd, _ = syncpipe.FromEnv("_OCI_ATTACHPIPE", os.Getenv)
	s.attachPipe.APIVersion = s.cfg.APIVersion
	s.attachPipe.Exec = s.cfg.Exec

	// Step 7: sd-notify relay.
	s.loop, err = eventloop.New()
	if err != nil {
		return 1, fmt.Errorf("failed to create event loop: %w", err)
	}
	defer s.loop.Close()

	if s.cfg.SDNotifySocket != "" {
		listenPath := filepath.Join(s.cfg.BundlePath, "notify", "notify.sock")
		_ = os.MkdirAll(filepath.Dir(listenPath), 0755)
		s.notify, err = attach.NewNotifyRelay(listenPath, s.cfg.SDNotifySocket, s.registerReadRW)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to set up sd-notify relay")
		}
	}

	// Step 8: disconnect stdio (unless passthrough) and setsid.
	if !s.hasPassthrough() {
		s.redirectStdio()
	}
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		s.log.Warn().Err(err).Msg("failed to create new session")
	}

	// Step 9: subreaper.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		s.log.Warn().Err(err).Msg("failed to declare self a subreaper")
	}

	// Step 11: attach point. It precedes the step 10 I/O endpoint setup
	// here so the console hub exists before buildStdioFabric wires it in
	// as the stdio fabric's console Writer.
	if s.cfg.BundlePath != "" && !s.hasPassthrough() {
		if err := s.setupAttachPoint(); err != nil {
			s.log.Warn().Err(err).Msg("failed to set up attach point")
		}
		if s.cfg.Exec && s.cfg.ExecAttach {
			_ = s.attachPipe.Write(0, "")
		}
	}

	// Step 10: I/O endpoints.
	var consoleSockName string
	var consoleListenerFd = -1
	if s.cfg.PTY {
		consoleListenerFd, consoleSockName, err = s.setupConsoleSocket()
		if err != nil {
			return 1, err
		}
	} else {
		if err := s.setupPipes(); err != nil {
			return 1, err
		}
	}

	// Step 12/13: block signals, fork the runtime, unblock, install
	// forwarding handlers.
	createPid, err := s.startRuntime(consoleSockName)
	if err != nil {
		return 1, err
	}
	s.state.CreatePid = createPid
	s.installSignalForwarding()

	// Step 14/15: pid -> callback map, signal-fd registration.
	s.registerPidCallback(createPid, s.onRuntimeExit)
	s.signalFD, err = eventloop.NewSignalFD(unix.SIGCHLD)
	if err != nil {
		return 1, fmt.Errorf("failed to create signalfd: %w", err)
	}
	defer s.signalFD.Close()
	if err := s.loop.Add(s.signalFD.Fd(), eventloop.In, s.onSignalFDReadable); err != nil {
		return 1, fmt.Errorf("failed to register signalfd: %w", err)
	}

	if s.cfg.TimeoutSecs > 0 {
		s.loop.AddTimer(time.Duration(s.cfg.TimeoutSecs)*time.Second, s.onTimeout)
	}

	if consoleListenerFd >= 0 {
		s.loop.Add(consoleListenerFd, eventloop.In, func(fd int, cond eventloop.Condition) bool {
			return s.onConsoleAccept(fd)
		})
	}

	if s.cfg.ContainerPidFile != "" {
		s.loop.AddTimer(50*time.Millisecond, s.pollContainerPidFile)
	}

	if s.detector, err = oom.Setup(createPid, s.cfg.PersistDir, s.registerRead); err != nil {
		s.log.Warn().Err(err).Msg("failed to set up OOM detection")
	}

	s.checkExitStatusCache()

	if err := s.loop.Run(); err != nil {
		return 1, fmt.Errorf("event loop exited with error: %w", err)
	}

	return s.terminate(), nil
}

func (s *Supervisor) hasPassthrough() bool {
	for _, d := range s.cfg.LogDrivers {
		if d.Driver == LogDriverPassthrough {
			return true
		}
	}
	return false
}

func (s *Supervisor) adjustOOMScore(value string) {
	if b, err := os.ReadFile("/proc/self/oom_score_adj"); err == nil {
		s.priorOOMScoreAdj = string(b)
	}
	if err := os.WriteFile("/proc/self/oom_score_adj", []byte(value), 0644); err != nil {
		s.log.Warn().Err(err).Msg("failed to adjust oom_score_adj")
	}
}

// waitStartPipe implements spec.md §4.1 step 3: block until the caller
// signals it has finished placing the monitor into the correct cgroup.
func (s *Supervisor) waitStartPipe() error {
	fd, err := syncpipe.FromEnv("_OCI_STARTPIPE", os.Getenv)
	if err != nil || fd == -1 {
		return nil
	}
	buf := make([]byte, 1)
	for {
		_, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		break
	}
	_ = unix.Close(fd)
	return nil
}

// detach re-execs the current process with Setsid so the new process
// becomes session leader and reparents onto init (or the nearest
// subreaper). The caller's own run is done once this returns
// successfully: it writes the grandchild's pid to the conmon pidfile,
// matching the C implementation's fork-one-write-pidfile-exit step.
//
// os/exec closes every inherited fd across exec except stdio and
// ExtraFiles, unlike a bare fork which duplicates the whole fd table; the
// caller-supplied sync/attach pipe fds are threaded through explicitly as
// ExtraFiles, with their env vars rewritten to the fd position Go assigns
// them in the child (ExtraFiles start at fd 3, in slice order). The
// start-pipe has already been consumed by this point (Run only calls
// detach after waitStartPipe), so it is not carried forward.
func (s *Supervisor) detach() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	env := append(os.Environ(), detachedEnvVar+"=1")

	for _, name := range []string{"_OCI_SYNCPIPE", "_OCI_ATTACHPIPE"} {
		fd, ferr := syncpipe.FromEnv(name, os.Getenv)
		if ferr != nil || fd == -1 {
			continue
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(uintptr(fd), name))
		childFd := 3 + len(cmd.ExtraFiles) - 1
		env = setEnv(env, name, strconv.Itoa(childFd))
	}
	cmd.Env = env

	cmd.Stdin = s.devNullR
	cmd.Stdout = s.devNullW
	cmd.Stderr = s.devNullW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to detach: %w", err)
	}

	if s.cfg.PidFile != "" {
		if err := os.WriteFile(s.cfg.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
			s.log.Warn().Err(err).Msg("failed to write conmon pidfile")
		}
	}
	return cmd.Process.Release()
}

// setEnv replaces the "name=" entry in env if present, else appends one.
func setEnv(env []string, name, value string) []string {
	prefix := name + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// redirectStdio dups /dev/null over the monitor's own stdio, per spec.md
// §4.1 step 8.
func (s *Supervisor) redirectStdio() {
	_ = unix.Dup2(int(s.devNullR.Fd()), unix.Stdin)
	_ = unix.Dup2(int(s.devNullW.Fd()), unix.Stdout)
	_ = unix.Dup2(int(s.devNullW.Fd()), unix.Stderr)
}

// registerRead adapts the ctrl/oom packages' simpler single-bool
// callback shape onto eventloop.Loop.
func (s *Supervisor) registerRead(fd int, cb func(fd int) bool) {
	_ = s.loop.Add(fd, eventloop.In, func(fd int, cond eventloop.Condition) bool {
		return cb(fd)
	})
}

// registerReadRW adapts internal/attach's (readable, writable) callback
// shape onto eventloop.Loop.
func (s *Supervisor) registerReadRW(fd int, cb func(fd int, readable, writable bool) bool) {
	_ = s.loop.Add(fd, eventloop.In|eventloop.Out, func(fd int, cond eventloop.Condition) bool {
		return cb(fd, cond&eventloop.In != 0, cond&eventloop.Out != 0)
	})
}

func (s *Supervisor) deregister(fd int) {
	s.loop.Remove(fd)
}

func (s *Supervisor) setupConsoleSocket() (listenerFd int, path string, err error) {
	f, err := os.CreateTemp("", "conmon-console-")
	if err != nil {
		return -1, "", fmt.Errorf("failed to create console socket tempname: %w", err)
	}
	path = f.Name()
	f.Close()
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, "", fmt.Errorf("failed to create console socket: %w", err)
	}
	if err := unix.Fchmod(fd, 0700); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to chmod console socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to bind console socket: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to listen on console socket: %w", err)
	}
	return fd, path, nil
}

// onConsoleAccept receives the PTY master fd the runtime sends over the
// console socket, per spec.md §4.2's "Acquisition", and wires it into
// the stdio fabric.
func (s *Supervisor) onConsoleAccept(listenerFd int) bool {
	masterFd, _, err := ioplane.ReceivePTYMaster(listenerFd)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to receive PTY master")
		return false
	}
	unix.Close(listenerFd)

	if err := ioplane.PreparePTYMaster(masterFd); err != nil {
		s.log.Warn().Err(err).Msg("failed to prepare PTY master")
	}

	s.mainStdinWrite = masterFd
	s.buildStdioFabric()
	if err := s.fabric.SetMainStdout(masterFd); err != nil {
		s.log.Warn().Err(err).Msg("failed to register PTY master")
	}
	return false
}

// setupPipes opens the non-PTY stdio pipes, per spec.md §4.1 step 10.
func (s *Supervisor) setupPipes() error {
	s.buildStdioFabric()

	if s.cfg.StdinOpen {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		s.stdinWorkerR = int(r.Fd())
		s.mainStdinWrite = int(w.Fd())
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	s.stdoutWorkerW = int(outW.Fd())
	unix.SetNonblock(int(outR.Fd()), true)
	if err := s.fabric.SetMainStdout(int(outR.Fd())); err != nil {
		return fmt.Errorf("failed to register stdout main: %w", err)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	s.stderrWorkerW = int(errW.Fd())
	unix.SetNonblock(int(errR.Fd()), true)
	if err := s.fabric.SetMainStderr(int(errR.Fd())); err != nil {
		return fmt.Errorf("failed to register stderr main: %w", err)
	}
	return nil
}

func (s *Supervisor) buildStdioFabric() {
	sinks := make([]logging.Sink, 0, len(s.cfg.LogDrivers))
	for _, d := range s.cfg.LogDrivers {
		sink, err := s.buildSink(d)
		if err != nil {
			s.log.Warn().Err(err).Str("driver", string(d.Driver)).Msg("failed to set up log driver")
			continue
		}
		sinks = append(sinks, sink)
	}
	s.sink = &logging.MultiSink{Sinks: sinks}

	var out ioplane.Writer
	if s.hub != nil {
		out = s.hub
	}
	containerExitKnown := func() bool { return s.state.ContainerExitStatus != -1 }
	s.fabric = ioplane.New(s.loop, s.sink, out, s.cfg.PTY, containerExitKnown, s.onBothMainsClosed)
}

func (s *Supervisor) buildSink(d LogSpec) (logging.Sink, error) {
	switch d.Driver {
	case LogDriverNone, LogDriverPassthrough:
		return logging.NoneSink{}, nil
	case LogDriverJournald:
		return logging.NewJournal(logging.JournalConfig{
			ContainerIDFull: s.cfg.ContainerIDLong,
			ContainerName:   s.cfg.ContainerName,
			Tag:             s.cfg.LogTag,
			Labels:          s.cfg.LogLabels,
		})
	case LogDriverK8sFile:
		return logging.NewK8sFile(logging.K8sFileConfig{
			Path:          d.Path,
			MaxPerFile:    d.MaxPerFile,
			MaxTotal:      d.MaxTotal,
			Rotation:      logging.RotationPolicy(d.Rotation),
			RotateBackups: d.RotateBackups,
			AllowedDirs:   d.AllowedDirs,
		})
	default:
		return nil, fmt.Errorf("unknown log driver %q", d.Driver)
	}
}

// setupAttachPoint wires the attach console hub and the control FIFOs,
// per spec.md §4.1 step 11.
func (s *Supervisor) setupAttachPoint() error {
	sockPath, symlinkPath, err := attach.BuildAttachSocketPath(s.cfg.SocketDirPath, s.cfg.CUUID, s.cfg.BundlePath, s.cfg.FullAttach)
	if err != nil {
		return err
	}
	s.attachSymlinkPath = symlinkPath

	s.hub, err = attach.NewConsoleHub(sockPath, attach.HubConfig{
		StdinOpen:    s.cfg.StdinOpen,
		LeaveOpen:    s.cfg.LeaveStdinOpen,
		Stdin:        s,
		RegisterRead: s.registerReadRW,
		Deregister:   s.deregister,
	})
	if err != nil {
		return err
	}

	s.ctl, err = ctrl.New(s.cfg.BundlePath, s, s.registerRead)
	return err
}

// WriteStdin implements attach.StdinWriter by writing to the monitor-side
// main end of the container's stdin (pipe write end or PTY master).
func (s *Supervisor) WriteStdin(p []byte) (int, error) {
	if s.mainStdinWrite < 0 {
		return 0, nil
	}
	n, err := unix.Write(s.mainStdinWrite, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, unix.EAGAIN
		}
		return n, err
	}
	return n, nil
}

// CloseStdin implements attach.StdinWriter.
func (s *Supervisor) CloseStdin() {
	if s.mainStdinWrite >= 0 {
		unix.Close(s.mainStdinWrite)
		s.mainStdinWrite = -1
	}
}

// Resize implements ctrl.Handler: applies a window-size change to the
// PTY master, per spec.md §4.6.
func (s *Supervisor) Resize(rows, cols uint16) {
	if s.mainStdinWrite < 0 {
		return
	}
	if err := ioplane.Resize(s.mainStdinWrite, rows, cols); err != nil {
		s.log.Warn().Err(err).Msg("failed to resize PTY")
	}
}

// ReopenLogs implements ctrl.Handler.
func (s *Supervisor) ReopenLogs() {
	if s.sink != nil {
		if err := s.sink.Reopen(); err != nil {
			s.log.Warn().Err(err).Msg("failed to reopen logs")
		}
	}
}

// startRuntime forks the OCI runtime, per spec.md §4.1 steps 12-13.
func (s *Supervisor) startRuntime(consoleSockName string) (int, error) {
	argv := runtimearg.Build(runtimearg.Spec{
		RuntimePath:      s.cfg.RuntimePath,
		RuntimeArgs:      s.cfg.RuntimeArgs,
		SystemdCgroup:    s.cfg.SystemdCgroup,
		ContainerID:      s.cfg.ContainerIDShort,
		BundlePath:       s.cfg.BundlePath,
		ContainerPidFile: s.cfg.ContainerPidFile,
		NoPivot:          s.cfg.NoPivot,
		NoNewKeyring:     s.cfg.NoNewKeyring,
		Exec:             s.cfg.Exec,
		ExecProcessSpec:  s.cfg.ExecProcessSpec,
		Terminal:         s.cfg.PTY,
		ConsoleSockName:  consoleSockName,
	})

	cmd := exec.Command(argv[0], argv[1:]...)
	if s.stdinWorkerR >= 0 {
		cmd.Stdin = os.NewFile(uintptr(s.stdinWorkerR), "stdin")
	} else {
		cmd.Stdin = s.devNullR
	}
	if s.stdoutWorkerW >= 0 {
		cmd.Stdout = os.NewFile(uintptr(s.stdoutWorkerW), "stdout")
	} else {
		cmd.Stdout = s.devNullW
	}
	if s.stderrWorkerW >= 0 {
		cmd.Stderr = os.NewFile(uintptr(s.stderrWorkerW), "stderr")
	} else {
		cmd.Stderr = s.devNullW
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start runtime %s: %w", s.cfg.RuntimePath, err)
	}

	// The runtime has the worker ends now; the monitor keeps only the
	// main ends, as spec.md §4.1 step 12 directs.
	if s.stdinWorkerR >= 0 {
		unix.Close(s.stdinWorkerR)
	}
	if s.stdoutWorkerW >= 0 {
		unix.Close(s.stdoutWorkerW)
	}
	if s.stderrWorkerW >= 0 {
		unix.Close(s.stderrWorkerW)
	}

	// This pid is reaped exclusively through the signalfd-driven
	// waitpid(-1, WNOHANG) loop in onSignalFDReadable (spec.md §4.1 step
	// 15): calling cmd.Wait here as well would race that loop for the
	// same pid, and whichever call lost would never see the exit,
	// leaving onRuntimeExit/onContainerExit uncalled and the loop
	// hanging. Release only detaches os/exec's own bookkeeping; it does
	// not wait on or signal the process.
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	return pid, nil
}

// installSignalForwarding installs TERM/INT/QUIT handlers that forward
// to the container pid if known, else the create pid, per spec.md §4.1
// step 13 and §5's signal policy.
func (s *Supervisor) installSignalForwarding() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		for sig := range ch {
			target := s.state.ContainerPid
			if target <= 0 {
				target = s.state.CreatePid
			}
			if target > 0 {
				_ = unix.Kill(target, sig.(syscall.Signal))
			}
		}
	}()
}

// registerPidCallback records cb for pid, and immediately dispatches any
// cached (pid,status) pair already reaped for it — spec.md §4.1's
// "Exit-status cache".
func (s *Supervisor) registerPidCallback(pid int, cb func(status unix.WaitStatus)) {
	s.pidCallbacks[pid] = cb
	if st, ok := s.exitStatusCache[pid]; ok {
		delete(s.exitStatusCache, pid)
		cb(st)
	}
}

func (s *Supervisor) checkExitStatusCache() {
	for pid, st := range s.exitStatusCache {
		if cb, ok := s.pidCallbacks[pid]; ok {
			delete(s.exitStatusCache, pid)
			cb(st)
		}
	}
}

// onSignalFDReadable implements spec.md §4.1 step 15: drain signalfd,
// then loop waitpid(-1, WNOHANG) until ECHILD or 0.
func (s *Supervisor) onSignalFDReadable(fd int, cond eventloop.Condition) bool {
	if _, err := s.signalFD.Read(); err != nil {
		s.log.Warn().Err(err).Msg("failed to read signalfd")
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}
		if pid <= 0 {
			break
		}
		if cb, ok := s.pidCallbacks[pid]; ok {
			delete(s.pidCallbacks, pid)
			cb(ws)
		} else {
			s.exitStatusCache[pid] = ws
		}
	}
	return true
}

func (s *Supervisor) onRuntimeExit(ws unix.WaitStatus) {
	s.state.RuntimeExitStatus = int(ws)
	s.state.CreatePid = -1
	s.loop.Quit()
}

func (s *Supervisor) onContainerExit(ws unix.WaitStatus) {
	s.state.ContainerExitStatus = int(ws)
	s.state.ContainerPid = -1
	if s.cfg.APIVersion >= 1 && s.state.CreatePid > 0 && s.cfg.Exec && s.cfg.PTY {
		return
	}
	s.loop.Quit()
}

func (s *Supervisor) onBothMainsClosed() {
	if s.state.ContainerExitStatus != -1 {
		s.loop.Quit()
	}
}

// pollContainerPidFile implements the (externally unspecified, but
// necessary) bridge between "the runtime wrote the pidfile" and
// registering container_exit_cb: poll until the pidfile has content,
// then register the container pid's exit callback, send the pid on the
// sync pipe, and rewrite LISTEN_PID when --replace-listen-pid is set.
func (s *Supervisor) pollContainerPidFile() {
	b, err := os.ReadFile(s.cfg.ContainerPidFile)
	if err != nil || len(b) == 0 {
		s.loop.AddTimer(50*time.Millisecond, s.pollContainerPidFile)
		return
	}
	pid, err := strconv.Atoi(string(trimNewline(b)))
	if err != nil || pid <= 0 {
		s.loop.AddTimer(50*time.Millisecond, s.pollContainerPidFile)
		return
	}
	s.state.ContainerPid = pid
	s.registerPidCallback(pid, s.onContainerExit)
	_ = s.syncPipe.Write(pid, "")

	if s.cfg.ReplaceListenPid {
		_ = os.Setenv("LISTEN_PID", strconv.Itoa(pid))
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func (s *Supervisor) onTimeout() {
	s.state.TimedOut = true
	s.log.Info().Msg("timed out, killing main loop")
	if s.state.ContainerPid > 0 {
		pgid, err := unix.Getpgid(s.state.ContainerPid)
		if err == nil && pgid > 1 {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		} else {
			_ = unix.Kill(s.state.ContainerPid, unix.SIGKILL)
		}
	}
	s.loop.Quit()
}

// terminate implements the final sequence of spec.md §4.1's
// "Termination" paragraph and returns the process exit code.
func (s *Supervisor) terminate() int {
	if s.detector != nil {
		s.detector.Close()
	}

	if s.fabric != nil {
		s.fabric.DrainAtExit()
	}
	if s.sink != nil {
		if !s.cfg.NoSyncLog {
			if ms, ok := s.sink.(*logging.MultiSink); ok {
				for _, sk := range ms.Sinks {
					if syncer, ok := sk.(interface{ Sync() error }); ok {
						_ = syncer.Sync()
					}
				}
			}
		}
		_ = s.sink.Close()
	}

	var message string
	var exitCode int
	switch {
	case s.state.TimedOut && s.state.ContainerPidKnown():
		exitCode = -1
		message = "command timed out"
	case s.state.ContainerExitStatus != -1:
		exitCode = waitStatusToExitCode(unix.WaitStatus(s.state.ContainerExitStatus))
	default:
		exitCode = waitStatusToExitCode(unix.WaitStatus(s.state.RuntimeExitStatus))
	}

	if s.fds != nil {
		keep := []int{s.syncPipe.Fd, s.attachPipe.Fd}
		s.fds.CloseExcept(keep...)
	}

	if s.cfg.PersistDir != "" {
		_ = os.WriteFile(filepath.Join(s.cfg.PersistDir, "exit"), []byte(strconv.Itoa(exitCode)), 0644)
	}
	if s.cfg.ExitDir != "" {
		_ = os.WriteFile(filepath.Join(s.cfg.ExitDir, s.cfg.ContainerIDShort), []byte(strconv.Itoa(exitCode)), 0644)
	}

	_ = s.syncPipe.Write(exitCode, message)

	if s.attachSymlinkPath != "" {
		_ = os.Remove(s.attachSymlinkPath)
	}

	if s.hub != nil {
		s.hub.Close()
	}
	if s.notify != nil {
		s.notify.Close()
	}
	if s.ctl != nil {
		s.ctl.Close()
	}

	if s.cfg.ExitCommand != nil {
		if err := exitcmd.Run(exitcmd.Spec{
			Path:      s.cfg.ExitCommand.Path,
			Args:      s.cfg.ExitCommand.Args,
			DelaySecs: s.cfg.ExitCommand.DelaySecs,
		}); err != nil {
			s.log.Warn().Err(err).Msg("exit command failed")
		}
	}

	return exitCode
}

func waitStatusToExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}
