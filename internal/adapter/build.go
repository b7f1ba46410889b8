package adapter

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// Diagnostic is one compiler or test message from xcodebuild output.
type Diagnostic struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"` // error, warning, note, test-failure
	Message  string `json:"message"`
}

// BuildResult is the parse of one xcodebuild output blob. At most one current
// result exists; it is replaced atomically on new submissions.
type BuildResult struct {
	Success      bool         `json:"success"`
	Errors       int          `json:"errors"`
	Warnings     int          `json:"warnings"`
	TestFailures int          `json:"testFailures"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
	Duration     float64      `json:"durationSeconds,omitempty"`
	ParsedAt     time.Time    `json:"parsedAt"`
}

var (
	// /path/File.swift:10:5: error: something went wrong
	buildDiagRe = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s+(error|warning|note):\s+(.*)$`)
	// Test Case '-[ModuleTests.FooTests testBar]' failed (0.003 seconds).
	buildTestFailRe = regexp.MustCompile(`^Test Case '(.+)' failed`)
	// ** BUILD SUCCEEDED ** [12.345 sec]
	buildTrailerRe = regexp.MustCompile(`^\*\* (?:BUILD|TEST) (SUCCEEDED|FAILED) \*\*(?:\s+\[([\d.]+) sec\])?`)
	// bare "error: no provisioning profile ..." lines without location
	buildBareErrRe = regexp.MustCompile(`^(?:xcodebuild: )?(error|warning):\s+(.*)$`)
)

const maxDiagnostics = 500

// ParseBuildOutput parses a raw xcodebuild output blob into a BuildResult.
// Success is taken from the trailer when present, otherwise from the absence
// of errors.
func ParseBuildOutput(text string) BuildResult {
	result := BuildResult{ParsedAt: time.Now()}
	sawTrailer := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for scanner.Scan() {
		line := scanner.Text()

		if m := buildDiagRe.FindStringSubmatch(line); m != nil {
			d := Diagnostic{File: m[1], Severity: m[4], Message: m[5]}
			d.Line, _ = strconv.Atoi(m[2])
			if m[3] != "" {
				d.Column, _ = strconv.Atoi(m[3])
			}
			result.addDiagnostic(d)
			continue
		}
		if m := buildTestFailRe.FindStringSubmatch(line); m != nil {
			result.addDiagnostic(Diagnostic{Severity: "test-failure", Message: m[1]})
			continue
		}
		if m := buildBareErrRe.FindStringSubmatch(line); m != nil {
			result.addDiagnostic(Diagnostic{Severity: m[1], Message: m[2]})
			continue
		}
		if m := buildTrailerRe.FindStringSubmatch(line); m != nil {
			sawTrailer = true
			result.Success = m[1] == "SUCCEEDED"
			if m[2] != "" {
				result.Duration, _ = strconv.ParseFloat(m[2], 64)
			}
		}
	}
	if !sawTrailer {
		result.Success = result.Errors == 0 && result.TestFailures == 0
	}
	return result
}

func (r *BuildResult) addDiagnostic(d Diagnostic) {
	switch d.Severity {
	case "error":
		r.Errors++
	case "warning":
		r.Warnings++
	case "test-failure":
		r.TestFailures++
	}
	if len(r.Diagnostics) < maxDiagnostics {
		r.Diagnostics = append(r.Diagnostics, d)
	}
}

// BuildStore holds the latest BuildResult and ingests per-diagnostic entries.
type BuildStore struct {
	mu     sync.Mutex
	latest *BuildResult
}

// NewBuildStore creates an empty BuildStore.
func NewBuildStore() *BuildStore { return &BuildStore{} }

// Submit parses the blob, replaces the current result, and emits one
// build-sourced entry per diagnostic.
func (b *BuildStore) Submit(text string, emit EmitFunc) BuildResult {
	result := ParseBuildOutput(text)

	b.mu.Lock()
	b.latest = &result
	b.mu.Unlock()

	for _, d := range result.Diagnostics {
		level := pipeline.LevelInfo
		switch d.Severity {
		case "error", "test-failure":
			level = pipeline.LevelError
		case "warning":
			level = pipeline.LevelWarning
		}
		msg := d.Message
		if d.File != "" {
			msg = d.File + ":" + strconv.Itoa(d.Line) + ": " + msg
		}
		emit(pipeline.Entry{
			Source:  pipeline.SourceBuild,
			Process: "xcodebuild",
			Level:   level,
			Message: msg,
			Tag:     "build-" + d.Severity,
		})
	}
	return result
}

// Latest returns the current result, nil if nothing was submitted yet.
func (b *BuildStore) Latest() *BuildResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return nil
	}
	cp := *b.latest
	return &cp
}
