// Package correlate parses a pulled trace report into time-ordered events
// and builds the per-thread/per-core causal graph with metrics and process
// context attached.
package correlate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptyArtifact is returned when a pulled report contains no events.
// Correlation must not proceed against a partial capture.
var ErrEmptyArtifact = errors.New("correlate: empty capture artifact")

// Field is a single name/value pair from a trace record. Order within an
// event is the record's own field order.
type Field struct {
	Key   string
	Value string
}

// Event is one parsed trace record. Timestamps are device-clock
// microseconds.
type Event struct {
	Comm        string
	PID         int
	CPU         int
	TimestampUS int64
	Name        string
	Fields      []Field
}

// Field returns the value for key, if present.
func (e Event) Field(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Report lines look like:
//
//	comm-1234  [002]  1234.567890: sched_switch: prev_comm=app prev_pid=1234 ...
var reportLine = regexp.MustCompile(`^\s*(.*\S)-(\d+)\s+\[(\d+)\]\s+(\d+\.\d+):\s+(\w+):\s*(.*)$`)

// ParseReport reads a textual trace report, skipping comment and unparsable
// lines. Events are returned in record order.
func ParseReport(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		event, ok := parseReportLine(line)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	return events, nil
}

// LoadReport parses the report file at path. A missing or empty artifact is
// an ErrEmptyArtifact.
func LoadReport(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
		}
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()

	events, err := ParseReport(f)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	return events, nil
}

func parseReportLine(line string) (Event, bool) {
	m := reportLine.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	pid, err := strconv.Atoi(m[2])
	if err != nil {
		return Event{}, false
	}
	cpu, err := strconv.Atoi(m[3])
	if err != nil {
		return Event{}, false
	}
	seconds, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Event{}, false
	}
	return Event{
		Comm:        m[1],
		PID:         pid,
		CPU:         cpu,
		TimestampUS: int64(seconds * 1_000_000),
		Name:        m[5],
		Fields:      parseFields(m[6]),
	}, true
}

// parseFields splits "k1=v1 k2=v2 ..." preserving order. Tokens without '='
// extend the previous field's value, since values like comm names may
// contain spaces.
func parseFields(raw string) []Field {
	var fields []Field
	for _, token := range strings.Fields(raw) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			if len(fields) > 0 {
				fields[len(fields)-1].Value += " " + token
			}
			continue
		}
		fields = append(fields, Field{Key: key, Value: value})
	}
	return fields
}
