// Package pipeline defines the log entry model and the ingest path that every
// adapter feeds: classification, rolling deduplication, and summarization.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Source identifies where a log entry originated.
type Source string

const (
	SourceSyslog    Source = "syslog"
	SourceOSLog     Source = "oslog"
	SourceSimulator Source = "simulator"
	SourceDevice    Source = "device"
	SourceCrash     Source = "crash"
	SourceBuild     Source = "build"
	SourceProxy     Source = "proxy"
	SourceAppDrain  Source = "app_drain"
	SourceServer    Source = "server"
)

// Level is a syslog-style severity.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelNotice  Level = "notice"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFault   Level = "fault"
)

var levelRank = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelNotice:  2,
	LevelWarning: 3,
	LevelError:   4,
	LevelFault:   5,
}

// Rank returns the ordering of a level; unknown levels rank as info.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[LevelInfo]
}

// AtLeast reports whether l is at least as severe as min.
func (l Level) AtLeast(min Level) bool { return l.Rank() >= min.Rank() }

// ParseLevel maps loose source strings ("Error", "err", "Default", ...) to a
// Level, falling back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "default":
		return LevelInfo
	case "notice":
		return LevelNotice
	case "warning", "warn":
		return LevelWarning
	case "error", "err":
		return LevelError
	case "fault", "critical", "crit":
		return LevelFault
	}
	return LevelInfo
}

// Entry is a single log record. Immutable once appended to the ring; the
// ring assigns Seq.
type Entry struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Source      Source    `json:"source"`
	Process     string    `json:"process,omitempty"`
	Level       Level     `json:"level"`
	Subsystem   string    `json:"subsystem,omitempty"`
	Category    string    `json:"category,omitempty"`
	DeviceUDID  string    `json:"deviceUdid,omitempty"`
	Message     string    `json:"message"`
	Raw         string    `json:"raw,omitempty"`
	Tag         string    `json:"tag,omitempty"` // classification tag, e.g. "tls-failure"
	Fingerprint string    `json:"fingerprint,omitempty"`
	RepeatCount int       `json:"repeatCount,omitempty"` // set on dedup republication
}

// DefaultUDID is recorded when the originating device is unknown.
const DefaultUDID = "default"

var (
	hexRunRe = regexp.MustCompile(`0x[0-9a-fA-F]+|\b[0-9a-fA-F]{8,}\b`)
	numRunRe = regexp.MustCompile(`\b\d+\b`)
	wsRunRe  = regexp.MustCompile(`\s+`)
)

// NormalizeMessage collapses volatile parts of a message (addresses, ids,
// run lengths of digits and whitespace) so that repeats of the same logical
// line fingerprint identically.
func NormalizeMessage(msg string) string {
	s := hexRunRe.ReplaceAllString(msg, "#")
	s = numRunRe.ReplaceAllString(s, "#")
	s = wsRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ComputeFingerprint hashes level, process, and the normalized message.
func ComputeFingerprint(level Level, process, message string) string {
	h := sha256.New()
	h.Write([]byte(level))
	h.Write([]byte{0})
	h.Write([]byte(process))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeMessage(message)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Finalize fills derived fields: default UDID, ingest-time timestamp, and the
// fingerprint. Called once on the ingest path before classification.
func (e *Entry) Finalize(now time.Time) {
	if e.DeviceUDID == "" {
		e.DeviceUDID = DefaultUDID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Fingerprint == "" {
		e.Fingerprint = ComputeFingerprint(e.Level, e.Process, e.Message)
	}
}
