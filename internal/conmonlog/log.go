// Package conmonlog builds the zerolog.Logger used by the monitor's own
// operational logging (not the container's stdio logs, see internal/logging).
package conmonlog

import (
	"io"
	"log/syslog"
	"os"

	"github.com/rs/zerolog"
)

// ParseLevel maps the --log-level flag value to a zerolog.Level.
// Unknown values fall back to zerolog.InfoLevel, matching the teacher's
// permissive parseContainerLogLevel default of a middling level rather
// than a fatal error.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// New builds the monitor's own logger. w is usually a log file opened by
// the caller (cmd/conmon writes its own log to conmon.log in the temp
// directory, as cmd/lxcri-conmon/main.go does with /tmp/lxcri-conmon.log); useSyslog
// additionally tees to the local syslog daemon when --syslog is given.
func New(w io.Writer, level zerolog.Level, useSyslog bool) zerolog.Logger {
	writers := []io.Writer{w}
	if useSyslog {
		if sw, err := syslog.New(syslog.LOG_INFO, "conmon"); err == nil {
			writers = append(writers, zerolog.SyslogLevelWriter(sw))
		}
	}
	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// OpenFile opens (creating if needed) the monitor's own log file.
func OpenFile(path string, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, mode)
}
