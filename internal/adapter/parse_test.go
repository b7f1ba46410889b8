package adapter

import (
	"testing"

	"github.com/quernd/quern/internal/pipeline"
)

func TestParseOSLogLine(t *testing.T) {
	line := `{"timestamp":"2025-03-04 12:30:01.123456-0800","messageType":"Error","eventMessage":"network request failed","processImagePath":"/Containers/Bundle/App.app/MyApp","subsystem":"com.example.app","category":"net","eventType":"logEvent"}`

	e, ok := parseOSLogLine(line)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if e.Process != "MyApp" {
		t.Errorf("process = %q, want MyApp", e.Process)
	}
	if e.Level != pipeline.LevelError {
		t.Errorf("level = %s, want error", e.Level)
	}
	if e.Subsystem != "com.example.app/net" {
		t.Errorf("subsystem = %q", e.Subsystem)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}

	t.Run("drops non-log events", func(t *testing.T) {
		if _, ok := parseOSLogLine(`{"eventType":"stateEvent","eventMessage":"x"}`); ok {
			t.Error("stateEvent must be dropped")
		}
		if _, ok := parseOSLogLine("Filtering the log data using ..."); ok {
			t.Error("banner line must be dropped")
		}
		if _, ok := parseOSLogLine(""); ok {
			t.Error("empty line must be dropped")
		}
	})
}

func TestParseSyslogLine(t *testing.T) {
	e, ok := parseSyslogLine(`Mar  4 12:30:01 iPhone SpringBoard[58] <Warning>: Memory level is low`)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if e.Process != "SpringBoard" {
		t.Errorf("process = %q, want SpringBoard", e.Process)
	}
	if e.Level != pipeline.LevelWarning {
		t.Errorf("level = %s, want warning", e.Level)
	}
	if e.Message != "Memory level is low" {
		t.Errorf("message = %q", e.Message)
	}

	t.Run("no level marker defaults to info", func(t *testing.T) {
		e, ok := parseSyslogLine(`Mar  4 12:30:01 iPhone myapp[99]: plain message`)
		if !ok {
			t.Fatal("expected parse to succeed")
		}
		if e.Level != pipeline.LevelInfo {
			t.Errorf("level = %s, want info", e.Level)
		}
	})

	t.Run("continuation and banner lines are dropped", func(t *testing.T) {
		if _, ok := parseSyslogLine("\tcontinuation text"); ok {
			t.Error("continuation line must be dropped")
		}
		if _, ok := parseSyslogLine("[connected:ABCD-1234]"); ok {
			t.Error("banner must be dropped")
		}
	})
}
