package control

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// splitOnTerminator returns a bufio.SplitFunc splitting on a configurable
// literal terminator (spec.md §4.6's tcs_regex_esc), instead of the
// default newline-only split, so "\r\n" or any other literal suffix
// configured for this TCS works.
func splitOnTerminator(term []byte) func(data []byte, atEOF bool) (int, []byte, error) {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if i := bytes.Index(data, term); i >= 0 {
			return i + len(term), data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// parseLine splits one command line into <cmd> and <value> per spec.md
// §4.6's grammar: `<cmd> <value><terminator>`, cmd matching \w+.
func parseLine(line string) (cmd, value string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, "", isWord(line)
	}
	cmd = line[:idx]
	value = strings.TrimLeft(line[idx+1:], " \t")
	return cmd, value, isWord(cmd)
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// ParseSexagesimal parses "[-]a:b:c" (hh:mm:ss for right ascension,
// dd:mm:ss for declination) into a + b/60 + c/3600, in the unit of the
// leading field. No hours-to-degrees factor is applied, so an hh:mm:ss
// right ascension comes back in decimal hours, not degrees. This follows
// the way original_source/dev/lib/tcs_server.py parses ra/dec ad hoc per
// command.
func ParseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("control: malformed sexagesimal %q", s)
	}
	h, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("control: malformed sexagesimal %q: %w", s, err)
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("control: malformed sexagesimal %q: %w", s, err)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("control: malformed sexagesimal %q: %w", s, err)
	}
	deg := h + m/60 + sec/3600
	if neg {
		deg = -deg
	}
	return deg, nil
}

// utcCycleLayout matches TCS's "YYYY-MM-DD-HH:MM:SS.ffffff" cycle
// timestamps, spec.md §4.6.
const utcCycleLayout = "2006-01-02-15:04:05.000000"

// ParseUTCCycle parses a utc_cycle value into epoch seconds.
func ParseUTCCycle(s string) (float64, error) {
	t, err := time.Parse(utcCycleLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("control: malformed utc_cycle %q: %w", s, err)
	}
	return float64(t.UnixNano()) / 1e9, nil
}

// startUTCReply formats the start acknowledgement of spec.md §4.6/§6:
// "start_utc YYYY-MM-DD_HHMMSS\n".
func startUTCReply(at time.Time) string {
	return "start_utc " + at.UTC().Format("2006-01-02_150405") + "\n"
}
