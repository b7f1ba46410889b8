package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/quernd/quern/internal/logring"
	"github.com/quernd/quern/internal/pipeline"
)

var (
	logsFollow  bool
	logsLevel   string
	logsSource  string
	logsProcess string
	logsSearch  string
	logsLimit   int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query or follow the daemon's log window",
	Long: `Prints matching entries from the running daemon's log window. With --follow,
opens a live scrolling tail over the SSE stream (q to quit).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		if logsFollow {
			return followLogs(client)
		}

		var page logring.Page
		if err := client.get("/api/v1/logs/query?"+logsQuery().Encode(), &page); err != nil {
			return err
		}
		for _, e := range page.Entries {
			fmt.Println(formatEntry(e, false))
		}
		return nil
	},
}

func logsQuery() url.Values {
	q := url.Values{}
	if logsLevel != "" {
		q.Set("level", logsLevel)
	}
	if logsSource != "" {
		q.Set("source", logsSource)
	}
	if logsProcess != "" {
		q.Set("process", logsProcess)
	}
	if logsSearch != "" {
		q.Set("search", logsSearch)
	}
	if logsLimit > 0 {
		q.Set("limit", fmt.Sprint(logsLimit))
	}
	return q
}

// followLogs renders the SSE stream in a scrolling TextView.
func followLogs(client *apiClient) error {
	// Suppress all logs during TUI to avoid corrupting the terminal output.
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(math.MaxInt),
	})))
	defer slog.SetDefault(prev)

	body, err := client.stream("/api/v1/logs/stream?" + logsQuery().Encode())
	if err != nil {
		return err
	}
	defer body.Close()

	app := tview.NewApplication()
	text := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(2000)
	text.SetBorder(true).SetTitle(" quern logs ")
	text.SetChangedFunc(func() { app.Draw() })

	footer := tview.NewTextView().
		SetTextAlign(tview.AlignLeft).
		SetText(" ↑↓ scroll  q quit")
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(text, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		defer app.Stop()
		readSSE(body, func(event string, data []byte) {
			switch event {
			case "entry":
				var e pipeline.Entry
				if json.Unmarshal(data, &e) != nil {
					return
				}
				fmt.Fprintln(text, formatEntry(e, true))
				text.ScrollToEnd()
			case "lagged":
				fmt.Fprintln(text, "[red]stream lagged; reconnect to resume[-]")
			}
		})
	}()

	return app.SetRoot(layout, true).Run()
}

// readSSE dispatches each complete SSE event to fn. Comment lines (the
// heartbeats) are skipped.
func readSSE(r io.Reader, fn func(event string, data []byte)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				fn(event, []byte(data.String()))
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

func formatEntry(e pipeline.Entry, colored bool) string {
	ts := e.Timestamp.Format("15:04:05.000")
	level := string(e.Level)
	line := fmt.Sprintf("%s %-7s %-20s %s", ts, level, e.Process, e.Message)
	if e.RepeatCount > 1 {
		line += fmt.Sprintf(" (×%d)", e.RepeatCount)
	}
	if !colored {
		return line
	}
	switch e.Level {
	case pipeline.LevelFault, pipeline.LevelError:
		return "[red]" + tview.Escape(line) + "[-]"
	case pipeline.LevelWarning:
		return "[yellow]" + tview.Escape(line) + "[-]"
	case pipeline.LevelDebug:
		return "[gray]" + tview.Escape(line) + "[-]"
	default:
		return tview.Escape(line)
	}
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new entries live (TUI)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug|info|notice|warning|error|fault)")
	logsCmd.Flags().StringVar(&logsSource, "source", "", "source filter (syslog|oslog|simulator|device|crash|build|proxy|server)")
	logsCmd.Flags().StringVar(&logsProcess, "process", "", "process name filter")
	logsCmd.Flags().StringVar(&logsSearch, "search", "", "message substring filter")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "maximum entries to print")
	rootCmd.AddCommand(logsCmd)
}
