// Package logging implements the two in-scope log writers from spec.md
// §4.3/§4.4: the CRI "k8s-file" line format and the journald structured
// record format, plus the tagged LogSink variant from spec.md §3 that the
// stdio fabric (internal/ioplane) fans out to.
package logging

// Stream identifies which container stream a write came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// String returns the CRI stream name ("stdout"/"stderr").
func (s Stream) String() string {
	if s == Stdout {
		return "stdout"
	}
	return "stderr"
}

// Sink is the behavior every LogSink variant implements: consume bytes
// read from the container's stdout/stderr. A zero-length Write forces any
// buffered partial line to flush (spec.md §4.2 "Drain at exit").
type Sink interface {
	// Write appends p, which may contain zero or more newline-terminated
	// lines followed by at most one partial line, to the sink.
	Write(stream Stream, p []byte) error
	// Reopen re-establishes the sink against its current path (k8s-file)
	// or is a no-op (journald), per spec.md §4.6's REOPEN_LOGS_EVENT.
	Reopen() error
	// Flush forces any buffered partial line out as a partial record.
	Flush(stream Stream) error
	// Close releases any held resources (file descriptors).
	Close() error
}

// NoneSink discards everything. Corresponds to LogSink::None.
type NoneSink struct{}

func (NoneSink) Write(Stream, []byte) error { return nil }
func (NoneSink) Reopen() error              { return nil }
func (NoneSink) Flush(Stream) error         { return nil }
func (NoneSink) Close() error               { return nil }

// MultiSink fans a write out to every configured sink in
// driver-declaration order, matching spec.md §5's ordering guarantee:
// "append to each log sink in driver-declaration order, then forward to
// console clients".
type MultiSink struct {
	Sinks []Sink
}

func (m *MultiSink) Write(stream Stream, p []byte) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Write(stream, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Reopen() error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Flush(stream Stream) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Flush(stream); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
