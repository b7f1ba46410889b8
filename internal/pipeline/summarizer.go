package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is one of the fixed summary spans.
type Window time.Duration

// ParseWindow accepts the canonical window names.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "", "5m":
		return Window(5 * time.Minute), nil
	case "30s":
		return Window(30 * time.Second), nil
	case "1m":
		return Window(time.Minute), nil
	case "15m":
		return Window(15 * time.Minute), nil
	case "1h":
		return Window(time.Hour), nil
	}
	return 0, fmt.Errorf("invalid window %q (want 30s|1m|5m|15m|1h)", s)
}

// Cursor encoding. Opaque to clients; currently "q" + last sequence number.
const cursorPrefix = "q"

// EncodeCursor produces an opaque cursor for the given sequence number.
func EncodeCursor(seq uint64) string { return cursorPrefix + strconv.FormatUint(seq, 10) }

// DecodeCursor parses a cursor produced by EncodeCursor. Empty input means
// "no cursor" and yields (0, nil).
func DecodeCursor(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, fmt.Errorf("invalid cursor %q", s)
	}
	seq, err := strconv.ParseUint(s[len(cursorPrefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", s)
	}
	return seq, nil
}

// MessageGroup is one recurring message in a summary.
type MessageGroup struct {
	Fingerprint string `json:"fingerprint"`
	Message     string `json:"message"`
	Process     string `json:"process,omitempty"`
	Level       Level  `json:"level"`
	Tag         string `json:"tag,omitempty"`
	Count       int    `json:"count"`
}

// Summary is the digest returned by the summary endpoint.
type Summary struct {
	Window      string         `json:"window"`
	Since       time.Time      `json:"since"`
	Until       time.Time      `json:"until"`
	Total       int            `json:"total"`
	ByLevel     map[Level]int  `json:"countsByLevel"`
	ByProcess   map[string]int `json:"countsByProcess"`
	TopMessages []MessageGroup `json:"topMessages"`
	TopErrors   []MessageGroup `json:"topErrors"`
	Narrative   string         `json:"narrative"`
	Cursor      string         `json:"cursor"`
}

const summaryTopK = 5

// Summarize digests entries within the window, considering only entries with
// Seq strictly greater than sinceSeq when sinceSeq > 0. The returned cursor
// encodes the highest sequence seen (or sinceSeq when nothing qualified), so
// it never moves backwards.
func Summarize(entries []Entry, window Window, windowName string, sinceSeq uint64, now time.Time) Summary {
	cutoff := now.Add(-time.Duration(window))
	sum := Summary{
		Window:    windowName,
		Since:     cutoff,
		Until:     now,
		ByLevel:   make(map[Level]int),
		ByProcess: make(map[string]int),
	}

	groups := make(map[string]*MessageGroup)
	maxSeq := sinceSeq
	for i := range entries {
		e := &entries[i]
		if sinceSeq > 0 && e.Seq <= sinceSeq {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		sum.Total++
		sum.ByLevel[e.Level]++
		if e.Process != "" {
			sum.ByProcess[e.Process]++
		}
		g, ok := groups[e.Fingerprint]
		if !ok {
			g = &MessageGroup{
				Fingerprint: e.Fingerprint,
				Message:     e.Message,
				Process:     e.Process,
				Level:       e.Level,
				Tag:         e.Tag,
			}
			groups[e.Fingerprint] = g
		}
		n := 1
		if e.RepeatCount > 1 {
			// A republished entry stands for the repeats absorbed since the
			// previous republication.
			n = e.RepeatCount / 2
		}
		g.Count += n
	}

	all := make([]MessageGroup, 0, len(groups))
	for _, g := range groups {
		all = append(all, *g)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Fingerprint < all[j].Fingerprint
	})

	for _, g := range all {
		if len(sum.TopMessages) < summaryTopK {
			sum.TopMessages = append(sum.TopMessages, g)
		}
		if g.Level.AtLeast(LevelError) && len(sum.TopErrors) < summaryTopK {
			sum.TopErrors = append(sum.TopErrors, g)
		}
	}

	sum.Cursor = EncodeCursor(maxSeq)
	sum.Narrative = narrate(sum)
	return sum
}

// narrate composes a short template-based paragraph; no model calls.
func narrate(s Summary) string {
	if s.Total == 0 {
		return fmt.Sprintf("No log activity in the last %s.", s.Window)
	}
	errs := s.ByLevel[LevelError] + s.ByLevel[LevelFault]
	warns := s.ByLevel[LevelWarning]

	var b strings.Builder
	fmt.Fprintf(&b, "%d entries in the last %s", s.Total, s.Window)
	switch {
	case errs > 0 && warns > 0:
		fmt.Fprintf(&b, " including %d errors and %d warnings.", errs, warns)
	case errs > 0:
		fmt.Fprintf(&b, " including %d errors.", errs)
	case warns > 0:
		fmt.Fprintf(&b, " including %d warnings.", warns)
	default:
		b.WriteString(", no errors or warnings.")
	}
	if len(s.TopErrors) > 0 {
		top := s.TopErrors[0]
		msg := top.Message
		if len(msg) > 120 {
			msg = msg[:120] + "…"
		}
		fmt.Fprintf(&b, " Most frequent error (%d×", top.Count)
		if top.Process != "" {
			fmt.Fprintf(&b, ", %s", top.Process)
		}
		fmt.Fprintf(&b, "): %s", msg)
	} else if busiest := busiestProcess(s.ByProcess); busiest != "" {
		fmt.Fprintf(&b, " Busiest process: %s (%d entries).", busiest, s.ByProcess[busiest])
	}
	return b.String()
}

func busiestProcess(byProcess map[string]int) string {
	best, bestN := "", 0
	for p, n := range byProcess {
		if n > bestN || (n == bestN && p < best) {
			best, bestN = p, n
		}
	}
	return best
}
