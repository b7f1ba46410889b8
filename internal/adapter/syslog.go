package adapter

import (
	"regexp"
	"strings"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// syslogLineRe matches idevicesyslog-style output:
//
//	Mar  4 12:30:01 iPhone processname[123] <Notice>: message text
var syslogLineRe = regexp.MustCompile(
	`^(\w{3}\s+\d+ \d{2}:\d{2}:\d{2})\s+\S+\s+([^\[\s]+)\[(\d+)\]\s*(?:<(\w+)>)?:\s?(.*)$`)

// NewDeviceSyslog streams a physical device's syslog via idevicesyslog.
func NewDeviceSyslog(udid string) Adapter {
	command := func(f Filter) []string {
		argv := []string{"idevicesyslog", "-u", udid}
		if f.Process != "" {
			argv = append(argv, "-p", f.Process)
		}
		return argv
	}
	return newProcAdapter("device:"+udid, pipeline.SourceDevice, udid, command, parseSyslogLine)
}

// NewDeviceSyslogPMD3 streams a physical device's syslog via pymobiledevice3,
// for hosts without libimobiledevice.
func NewDeviceSyslogPMD3(udid string) Adapter {
	command := func(f Filter) []string {
		return []string{"pymobiledevice3", "syslog", "live", "--udid", udid}
	}
	return newProcAdapter("syslog:"+udid, pipeline.SourceSyslog, udid, command, parseSyslogLine)
}

// parseSyslogLine extracts timestamp, process, level, and message from a
// classic syslog line. Continuation lines (leading whitespace) and banners
// are dropped.
func parseSyslogLine(line string) (pipeline.Entry, bool) {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return pipeline.Entry{}, false
	}
	m := syslogLineRe.FindStringSubmatch(line)
	if m == nil {
		return pipeline.Entry{}, false
	}

	entry := pipeline.Entry{
		Process: m[2],
		Level:   pipeline.ParseLevel(m[4]),
		Message: m[5],
		Raw:     line,
	}
	// Syslog timestamps carry no year; assume the current one.
	if ts, err := time.Parse("Jan 2 15:04:05", normalizeSyslogTime(m[1])); err == nil {
		now := time.Now()
		ts = ts.AddDate(now.Year(), 0, 0)
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		entry.Timestamp = ts
	}
	return entry, true
}

func normalizeSyslogTime(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
