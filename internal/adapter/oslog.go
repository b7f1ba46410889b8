package adapter

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// oslogEvent is the subset of `log stream --style ndjson` output we consume.
type oslogEvent struct {
	Timestamp        string `json:"timestamp"`
	MessageType      string `json:"messageType"`
	EventMessage     string `json:"eventMessage"`
	ProcessImagePath string `json:"processImagePath"`
	Subsystem        string `json:"subsystem"`
	Category         string `json:"category"`
	EventType        string `json:"eventType"`
}

// oslogTimeLayout matches the unified log's timestamp format.
const oslogTimeLayout = "2006-01-02 15:04:05.000000-0700"

// NewSimulatorLog streams a booted simulator's unified log via
// `xcrun simctl spawn <udid> log stream --style ndjson`.
func NewSimulatorLog(udid string) Adapter {
	command := func(f Filter) []string {
		argv := []string{
			"xcrun", "simctl", "spawn", udid,
			"log", "stream", "--style", "ndjson", "--level", "debug",
		}
		if f.Process != "" {
			argv = append(argv, "--predicate", `process == "`+f.Process+`"`)
		}
		return argv
	}
	return newProcAdapter("simulator:"+udid, pipeline.SourceSimulator, udid, command, parseOSLogLine)
}

// NewHostOSLog streams the host Mac's unified log, filtered to simulator
// runtime processes. Used when per-device streaming is unavailable.
func NewHostOSLog() Adapter {
	command := func(f Filter) []string {
		return []string{"log", "stream", "--style", "ndjson", "--level", "info"}
	}
	return newProcAdapter("oslog", pipeline.SourceOSLog, "", command, parseOSLogLine)
}

// parseOSLogLine parses one NDJSON line from `log stream`. Non-log events
// (stateEvents, banners) are dropped.
func parseOSLogLine(line string) (pipeline.Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return pipeline.Entry{}, false
	}
	var ev oslogEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return pipeline.Entry{}, false
	}
	if ev.EventMessage == "" || (ev.EventType != "" && ev.EventType != "logEvent") {
		return pipeline.Entry{}, false
	}

	entry := pipeline.Entry{
		Message:   ev.EventMessage,
		Process:   filepath.Base(ev.ProcessImagePath),
		Level:     pipeline.ParseLevel(ev.MessageType),
		Subsystem: ev.Subsystem,
		Raw:       line,
	}
	if entry.Subsystem != "" && ev.Category != "" {
		entry.Subsystem = ev.Subsystem + "/" + ev.Category
	}
	if ts, err := time.Parse(oslogTimeLayout, ev.Timestamp); err == nil {
		entry.Timestamp = ts
	}
	return entry, true
}
