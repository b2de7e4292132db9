package job

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// MarkerPrefix starts every line written by WrapCommand
const MarkerPrefix = "==> vvbatch"

// WrapCommand surrounds a command body with start and stop markers.
// The body runs in a subshell so an explicit exit still reaches the stop
// marker, and the wrapper exits with the body's status.
func WrapCommand(body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "echo \"%s start $(date +%%s)\"\n", MarkerPrefix)
	b.WriteString("(\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n)\n")
	b.WriteString("_vvbatch_rc=$?\n")
	fmt.Fprintf(&b, "echo \"%s stop $(date +%%s) exit=$_vvbatch_rc\"\n", MarkerPrefix)
	b.WriteString("exit $_vvbatch_rc\n")
	return b.String()
}

// LogMarks are the markers found in a job log
type LogMarks struct {
	Start    time.Time
	Stop     time.Time
	ExitCode int
}

// HasStart reports whether a start marker was found
func (m LogMarks) HasStart() bool { return !m.Start.IsZero() }

// HasStop reports whether a stop marker was found
func (m LogMarks) HasStop() bool { return !m.Stop.IsZero() }

// ParseMarkers scans r for start/stop markers. The first start and the first
// stop win. Malformed marker lines are ignored.
func ParseMarkers(r io.Reader) (LogMarks, error) {
	return ParseMarkersSince(r, time.Time{})
}

// ParseMarkersSince is ParseMarkers ignoring markers dated before since.
// Lines too long to be markers are skipped. On a read error the marks found
// so far are returned with the error.
func ParseMarkersSince(r io.Reader, since time.Time) (LogMarks, error) {
	var marks LogMarks
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, isPrefix, err := reader.ReadLine()
		for isPrefix && err == nil {
			// longer than the buffer, so not a marker: drain the rest
			_, isPrefix, err = reader.ReadLine()
			line = nil
		}
		if err != nil {
			if err == io.EOF {
				return marks, nil
			}
			return marks, fmt.Errorf("error reading log: %w", err)
		}
		if line != nil {
			marks.scan(string(line), since)
		}
	}
}

func (m *LogMarks) scan(line string, since time.Time) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), MarkerPrefix+" ")
	if !ok {
		return
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return
	}
	secs, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return
	}
	stamp := time.Unix(secs, 0)
	if stamp.Before(since) {
		return
	}

	switch fields[0] {
	case "start":
		if m.Start.IsZero() {
			m.Start = stamp
		}
	case "stop":
		if !m.Stop.IsZero() || len(fields) < 3 {
			return
		}
		code, err := strconv.Atoi(strings.TrimPrefix(fields[2], "exit="))
		if err != nil {
			return
		}
		m.Stop = stamp
		m.ExitCode = code
	}
}

// ScanLog reads markers from the log file at path. A log that does not exist
// yet yields empty marks and no error.
func ScanLog(path string) (LogMarks, error) {
	return ScanLogSince(path, time.Time{})
}

// ScanLogSince is ScanLog ignoring markers dated before since
func ScanLogSince(path string, since time.Time) (LogMarks, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LogMarks{}, nil
		}
		return LogMarks{}, err
	}
	defer f.Close()
	return ParseMarkersSince(f, since)
}
