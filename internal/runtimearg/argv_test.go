package runtimearg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCreate(t *testing.T) {
	argv := Build(Spec{
		RuntimePath:      "/usr/bin/runc",
		SystemdCgroup:    true,
		ContainerID:      "abc123",
		BundlePath:       "/run/bundle",
		ContainerPidFile: "/run/pidfile",
		NoPivot:          true,
		ConsoleSockName:  "console.sock",
	})

	assert.Equal(t, []string{
		"/usr/bin/runc", "--systemd-cgroup",
		"create", "--bundle", "/run/bundle", "--pid-file", "/run/pidfile", "--no-pivot",
		"--console-socket", "console.sock",
		"abc123",
	}, argv)
}

func TestBuildRestore(t *testing.T) {
	argv := Build(Spec{
		RuntimePath:      "/usr/bin/runc",
		ContainerID:      "abc123",
		BundlePath:       "/run/bundle",
		ContainerPidFile: "/run/pidfile",
		RestorePath:      "/run/checkpoint",
	})

	assert.Equal(t, []string{
		"/usr/bin/runc",
		"restore", "--bundle", "/run/bundle", "--pid-file", "/run/pidfile",
		"--detach", "--image-path", "/run/checkpoint", "--work-path", "/run/bundle",
		"abc123",
	}, argv)
}

func TestBuildExec(t *testing.T) {
	argv := Build(Spec{
		RuntimePath:      "/usr/bin/runc",
		ContainerID:      "abc123",
		ContainerPidFile: "/run/exec-pidfile",
		Exec:             true,
		ExecProcessSpec:  "/run/process.json",
		Terminal:         true,
	})

	assert.Equal(t, []string{
		"/usr/bin/runc",
		"exec", "--pid-file", "/run/exec-pidfile", "--process", "/run/process.json", "--detach", "--tty",
		"abc123",
	}, argv)
}

func TestBuildRuntimeArgsAndOptsPassThrough(t *testing.T) {
	argv := Build(Spec{
		RuntimePath:      "/usr/bin/runc",
		RuntimeArgs:      []string{"--debug"},
		RuntimeOpts:      []string{"--no-new-privs"},
		ContainerID:      "abc123",
		BundlePath:       "/run/bundle",
		ContainerPidFile: "/run/pidfile",
	})

	assert.Equal(t, []string{
		"/usr/bin/runc", "--debug",
		"create", "--bundle", "/run/bundle", "--pid-file", "/run/pidfile",
		"--no-new-privs",
		"abc123",
	}, argv)
}
