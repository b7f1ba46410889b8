package adapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ParseCrashReport reads a .crash (legacy text) or .ips (JSON) report and
// extracts the searchable summary.
func ParseCrashReport(path string) (CrashReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CrashReport{}, fmt.Errorf("reading crash report: %w", err)
	}
	report := CrashReport{Path: path, Timestamp: time.Now()}
	if fi, err := os.Stat(path); err == nil {
		report.Timestamp = fi.ModTime()
	}

	if strings.HasSuffix(path, ".ips") {
		return parseIPSReport(data, report)
	}
	return parseLegacyReport(data, report)
}

// ipsPayload is the subset of the .ips body we consume. An .ips file is a
// one-line JSON header followed by a JSON payload.
type ipsPayload struct {
	ProcName    string `json:"procName"`
	FaultingTID int    `json:"faultingThread"`
	Exception   struct {
		Type   string `json:"type"`
		Signal string `json:"signal"`
	} `json:"exception"`
	Threads []struct {
		Triggered bool `json:"triggered"`
		Frames    []struct {
			ImageOffset int    `json:"imageOffset"`
			Symbol      string `json:"symbol"`
			ImageName   string `json:"imageName,omitempty"`
		} `json:"frames"`
	} `json:"threads"`
}

type ipsHeader struct {
	AppName   string `json:"app_name"`
	Timestamp string `json:"timestamp"`
}

func parseIPSReport(data []byte, report CrashReport) (CrashReport, error) {
	idx := strings.IndexByte(string(data), '\n')
	if idx < 0 {
		return report, fmt.Errorf("malformed .ips report: no header line")
	}
	var header ipsHeader
	if err := json.Unmarshal(data[:idx], &header); err != nil {
		return report, fmt.Errorf("parsing .ips header: %w", err)
	}
	var payload ipsPayload
	if err := json.Unmarshal(data[idx+1:], &payload); err != nil {
		return report, fmt.Errorf("parsing .ips payload: %w", err)
	}

	report.Process = payload.ProcName
	if report.Process == "" {
		report.Process = header.AppName
	}
	report.ExceptionType = payload.Exception.Type
	report.Signal = payload.Exception.Signal
	report.FaultingTID = payload.FaultingTID
	if ts, err := time.Parse("2006-01-02 15:04:05.00 -0700", header.Timestamp); err == nil {
		report.Timestamp = ts
	}

	// Prefer the triggered thread's frames; fall back to the faulting index.
	frames := -1
	for i, t := range payload.Threads {
		if t.Triggered {
			frames = i
			break
		}
	}
	if frames < 0 && payload.FaultingTID < len(payload.Threads) {
		frames = payload.FaultingTID
	}
	if frames >= 0 {
		for i, f := range payload.Threads[frames].Frames {
			if i >= crashTopFrames {
				break
			}
			sym := f.Symbol
			if sym == "" {
				sym = fmt.Sprintf("%s + %d", f.ImageName, f.ImageOffset)
			}
			report.TopFrames = append(report.TopFrames, sym)
		}
	}
	if report.ExceptionType == "" {
		return report, fmt.Errorf("no exception information in report")
	}
	return report, nil
}

var (
	crashFieldRe  = regexp.MustCompile(`^([A-Za-z -]+):\s+(.*)$`)
	crashFrameRe  = regexp.MustCompile(`^\d+\s+(\S+)\s+0x[0-9a-f]+\s+(.+)$`)
	crashThreadRe = regexp.MustCompile(`^Thread (\d+)(?: name:.*)? Crashed`)
)

func parseLegacyReport(data []byte, report CrashReport) (CrashReport, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inCrashedThread := false
	for scanner.Scan() {
		line := scanner.Text()

		if m := crashThreadRe.FindStringSubmatch(line); m != nil {
			inCrashedThread = true
			fmt.Sscanf(m[1], "%d", &report.FaultingTID)
			continue
		}
		if inCrashedThread {
			if m := crashFrameRe.FindStringSubmatch(line); m != nil {
				if len(report.TopFrames) < crashTopFrames {
					report.TopFrames = append(report.TopFrames, strings.TrimSpace(m[2]))
				}
				continue
			}
			if strings.TrimSpace(line) == "" {
				inCrashedThread = false
			}
			continue
		}

		m := crashFieldRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch strings.TrimSpace(m[1]) {
		case "Process":
			// "Process: MyApp [1234]"
			if i := strings.IndexByte(value, '['); i > 0 {
				value = strings.TrimSpace(value[:i])
			}
			report.Process = value
		case "Exception Type":
			// "EXC_CRASH (SIGABRT)"
			report.ExceptionType = value
			if i := strings.IndexByte(value, '('); i >= 0 {
				if j := strings.IndexByte(value[i:], ')'); j > 0 {
					report.Signal = value[i+1 : i+j]
					report.ExceptionType = strings.TrimSpace(value[:i])
				}
			}
		case "Date/Time":
			if ts, err := time.Parse("2006-01-02 15:04:05.000 -0700", value); err == nil {
				report.Timestamp = ts
			}
		}
	}
	if report.Process == "" && report.ExceptionType == "" {
		return report, fmt.Errorf("unrecognized crash report format")
	}
	return report, nil
}
