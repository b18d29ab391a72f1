// Package runtimearg assembles the OCI runtime's argv, per spec.md
// §4.9. Translated from original_source/src/runtime_args.c.
package runtimearg

// Spec carries exactly the fields configure_runtime_args needs off the
// monitor's configuration to build a runtime invocation.
type Spec struct {
	RuntimePath    string
	RuntimeArgs    []string // --runtime-arg, repeatable, passed through verbatim
	RuntimeOpts    []string // --runtime-opt, repeatable, passed through verbatim after the subcommand
	SystemdCgroup  bool
	ContainerID    string
	BundlePath     string
	ContainerPidFile string
	NoPivot        bool
	NoNewKeyring   bool
	RestorePath    string // non-empty selects "restore" instead of "create"

	Exec            bool
	ExecProcessSpec string

	Terminal    bool
	ConsoleSockName string // "" when no console socket is in use (non-terminal mode)
}

// Build assembles the runtime argv, matching configure_runtime_args
// field-for-field: runtime path, optional --systemd-cgroup, passthrough
// runtime args, the exec/create/restore subcommand and its flags,
// passthrough runtime opts, --console-socket, and the container id last.
func Build(s Spec) []string {
	var argv []string
	add := func(args ...string) { argv = append(argv, args...) }

	add(s.RuntimePath)

	if !s.Exec && s.SystemdCgroup {
		add("--systemd-cgroup")
	}

	add(s.RuntimeArgs...)

	if s.Exec {
		add("exec", "--pid-file", s.ContainerPidFile, "--process", s.ExecProcessSpec, "--detach")
		if s.Terminal {
			add("--tty")
		}
	} else {
		command := "create"
		if s.RestorePath != "" {
			command = "restore"
		}
		add(command, "--bundle", s.BundlePath, "--pid-file", s.ContainerPidFile)
		if s.NoPivot {
			add("--no-pivot")
		}
		if s.NoNewKeyring {
			add("--no-new-keyring")
		}
		if s.RestorePath != "" {
			add("--detach", "--image-path", s.RestorePath, "--work-path", s.BundlePath)
		}
	}

	add(s.RuntimeOpts...)

	if s.ConsoleSockName != "" {
		add("--console-socket", s.ConsoleSockName)
	}

	add(s.ContainerID)

	return argv
}
