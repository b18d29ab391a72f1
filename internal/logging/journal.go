package logging

import (
	"strconv"

	"github.com/coreos/go-systemd/v22/journal"
)

// stdioBufSize is STDIO_BUF_SIZE from spec.md §3: the partial-line buffer
// capacity shared by every driver that needs line framing.
const stdioBufSize = 8192

// Journal is the journald structured-record writer (spec.md §4.4),
// publishing through github.com/coreos/go-systemd/v22/journal instead of
// hand-rolling sd_journal_sendv, since the pack (sylabs/singularity,
// hashicorp/nomad) already depends on that library for journal access.
type Journal struct {
	containerIDFull string
	containerIDTrunc string
	tag             string
	name            string
	labels          map[string]string
	disablePartial  bool

	partial [2][]byte // indexed by Stream
}

// JournalConfig configures a new Journal sink.
type JournalConfig struct {
	ContainerIDFull string
	ContainerName   string
	Tag             string
	Labels          map[string]string
	DisablePartial  bool
}

// NewJournal builds a Journal sink. CONTAINER_ID carries the first 12
// characters of ContainerIDFull, or the whole id when it is 12 characters
// or shorter; no length is rejected.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	j := &Journal{
		containerIDFull: cfg.ContainerIDFull,
		name:            cfg.ContainerName,
		tag:             cfg.Tag,
		labels:          cfg.Labels,
		disablePartial:  cfg.DisablePartial,
	}
	if len(cfg.ContainerIDFull) > 12 {
		j.containerIDTrunc = cfg.ContainerIDFull[:12]
	} else {
		j.containerIDTrunc = cfg.ContainerIDFull
	}
	return j, nil
}

// syslogIdentifier implements the tag/name/short-id precedence from
// spec.md §4.4.
func (j *Journal) syslogIdentifier() string {
	if j.tag != "" {
		return j.tag
	}
	if j.name != "" {
		return j.name
	}
	return j.containerIDTrunc
}

// Write implements Sink: each complete line becomes one journal record;
// an unterminated trailing chunk is appended to this stream's partial
// buffer until either STDIO_BUF_SIZE is reached or a flush is forced.
func (j *Journal) Write(stream Stream, p []byte) error {
	if len(p) == 0 {
		return j.Flush(stream)
	}
	for len(p) > 0 {
		nl := indexByte(p, '\n')
		if nl < 0 {
			if len(j.partial[stream])+len(p) <= stdioBufSize {
				j.partial[stream] = append(j.partial[stream], p...)
				return nil
			}
			// Buffer would overflow: flush what fits, keep no remainder
			// (original_source flushes the buffer plus as much of the
			// input as possible as a partial record).
			room := stdioBufSize - len(j.partial[stream])
			if room > 0 {
				j.partial[stream] = append(j.partial[stream], p[:room]...)
				p = p[room:]
			}
			if err := j.emit(stream, j.partial[stream], true); err != nil {
				return err
			}
			j.partial[stream] = nil
			continue
		}
		line := p[:nl]
		p = p[nl+1:]
		full := append(j.partial[stream], line...)
		j.partial[stream] = nil
		if err := j.emit(stream, full, false); err != nil {
			return err
		}
	}
	return nil
}

// emit sends one structured record. partial marks whether the payload
// ended without a source newline (spec.md §4.4 /
// CONTAINER_PARTIAL_MESSAGE).
func (j *Journal) emit(stream Stream, payload []byte, partial bool) error {
	priority := journal.PriInfo
	if stream == Stderr {
		priority = journal.PriErr
	}

	msg := string(payload)
	if len(msg) > 0 && msg[0] == '<' {
		if end := indexByte(payload, '>'); end > 1 && end <= 2 {
			if n, err := strconv.Atoi(string(payload[1:end])); err == nil && n >= 0 && n <= 7 {
				priority = journal.Priority(n)
				msg = string(payload[end+1:])
			}
		}
	}

	vars := map[string]string{
		"CONTAINER_ID_FULL": j.containerIDFull,
		"CONTAINER_ID":      j.containerIDTrunc,
		"SYSLOG_IDENTIFIER": j.syslogIdentifier(),
	}
	if j.name != "" {
		vars["CONTAINER_NAME"] = j.name
	}
	if j.tag != "" {
		vars["CONTAINER_TAG"] = j.tag
	}
	for k, v := range j.labels {
		vars[k] = v
	}
	if partial && !j.disablePartial {
		vars["CONTAINER_PARTIAL_MESSAGE"] = "true"
	}

	return journal.Send(msg, priority, vars)
}

// Flush forces any buffered partial line for stream out as a partial
// record, per spec.md §4.4: "A zero-length write request forces any
// buffered partial to be flushed as a partial record."
func (j *Journal) Flush(stream Stream) error {
	if len(j.partial[stream]) == 0 {
		return nil
	}
	buf := j.partial[stream]
	j.partial[stream] = nil
	return j.emit(stream, buf, true)
}

// Reopen is a no-op for journald, per spec.md §4.6.
func (j *Journal) Reopen() error { return nil }

// Close flushes any remaining partial buffers.
func (j *Journal) Close() error {
	if err := j.Flush(Stdout); err != nil {
		return err
	}
	return j.Flush(Stderr)
}
