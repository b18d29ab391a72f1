package conmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogSpecBarePathIsK8sFile(t *testing.T) {
	spec, err := ParseLogSpec("/var/log/container.log")
	require.NoError(t, err)
	assert.Equal(t, LogDriverK8sFile, spec.Driver)
	assert.Equal(t, "/var/log/container.log", spec.Path)
}

func TestParseLogSpecDrivers(t *testing.T) {
	cases := []struct {
		in     string
		driver LogDriver
		path   string
	}{
		{"k8s-file:/var/log/container.log", LogDriverK8sFile, "/var/log/container.log"},
		{"journald:mytag", LogDriverJournald, "mytag"},
		{"passthrough:", LogDriverPassthrough, ""},
		{"none:", LogDriverNone, ""},
		{"off:", LogDriverNone, ""},
	}
	for _, c := range cases {
		spec, err := ParseLogSpec(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.driver, spec.Driver, c.in)
		assert.Equal(t, c.path, spec.Path, c.in)
	}
}

func TestParseLogSpecRejectsEmptyK8sFilePath(t *testing.T) {
	_, err := ParseLogSpec("k8s-file:")
	assert.Error(t, err)
}

func TestParseLogSpecRejectsUnknownDriver(t *testing.T) {
	_, err := ParseLogSpec("carrier-pigeon:/dev/null")
	assert.Error(t, err)
}

func TestParseLogSpecRejectsEmptyInput(t *testing.T) {
	_, err := ParseLogSpec("")
	assert.Error(t, err)
}

func TestParseLabel(t *testing.T) {
	key, value, err := ParseLabel("FOO_BAR=baz")
	require.NoError(t, err)
	assert.Equal(t, "FOO_BAR", key)
	assert.Equal(t, "baz", value)
}

func TestParseLabelRejectsLowercaseKey(t *testing.T) {
	_, _, err := ParseLabel("foo=bar")
	assert.Error(t, err)
}

func TestParseLabelRejectsMissingEquals(t *testing.T) {
	_, _, err := ParseLabel("FOOBAR")
	assert.Error(t, err)
}

func TestMonitorConfigValidateRequiresContainerID(t *testing.T) {
	cfg := &MonitorConfig{RuntimePath: "/usr/bin/runc"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container id")
}

func TestMonitorConfigValidateRequiresRuntimePath(t *testing.T) {
	cfg := &MonitorConfig{ContainerIDShort: "abc123"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime path")
}

func TestMonitorConfigValidateRequiresJournaldForTagAndLabels(t *testing.T) {
	cfg := &MonitorConfig{
		ContainerIDShort: "abc123",
		RuntimePath:      "/usr/bin/runc",
		LogTag:           "mytag",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journald")
}

func TestMonitorConfigValidateAcceptsTagWithJournald(t *testing.T) {
	cfg := &MonitorConfig{
		ContainerIDShort: "abc123",
		RuntimePath:      "/usr/bin/runc",
		LogTag:           "mytag",
		LogDrivers:       []LogSpec{{Driver: LogDriverJournald}},
	}
	assert.NoError(t, cfg.Validate())
}

func TestMonitorConfigValidateRejectsK8sFileWithoutPath(t *testing.T) {
	cfg := &MonitorConfig{
		ContainerIDShort: "abc123",
		RuntimePath:      "/usr/bin/runc",
		LogDrivers:       []LogSpec{{Driver: LogDriverK8sFile}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k8s-file")
}
