package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/logring"
	"github.com/quernd/quern/internal/pipeline"
)

func logFilterFromQuery(r *http.Request) (logring.Filter, error) {
	q := r.URL.Query()
	f := logring.Filter{
		Source:  pipeline.Source(q.Get("source")),
		Process: q.Get("process"),
		Search:  q.Get("search"),
		UDID:    q.Get("udid"),
	}
	if lv := q.Get("level"); lv != "" {
		f.MinLevel = pipeline.ParseLevel(lv)
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleLogsQuery(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ring.Query(f, limit, offset))
}

// handleLogsStream is the SSE endpoint. With ?since=<seq> the buffered tail
// newer than the cursor is replayed before live delivery begins; without it
// only new entries flow. A lagged subscription ends the stream with a final
// "lagged" event so the client knows to reconnect with a cursor.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryInt(r, "since", 0)
	if err != nil || since < 0 {
		writeError(w, apierr.New(apierr.InvalidArgument, "invalid since cursor"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.Internal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replay so nothing falls between the snapshot and the
	// live feed; duplicates across the boundary are suppressed by sequence.
	sub := s.ring.Subscribe(f, 0)
	defer s.ring.Cancel(sub)

	lastSent := uint64(0)
	if since > 0 {
		for _, e := range s.ring.Since(uint64(since)) {
			if !f.Match(&e) {
				continue
			}
			if err := writeSSEEntry(w, e); err != nil {
				return
			}
			lastSent = e.Seq
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged:
			fmt.Fprint(w, "event: lagged\ndata: {}\n\n")
			flusher.Flush()
			return
		case e := <-sub.C:
			if e.Seq <= lastSent {
				continue
			}
			if err := writeSSEEntry(w, e); err != nil {
				return
			}
			lastSent = e.Seq
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEntry(w io.Writer, e pipeline.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: entry\ndata: %s\n\n", e.Seq, data)
	return err
}

func (s *Server) handleLogsSummary(w http.ResponseWriter, r *http.Request) {
	window, err := pipeline.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid window"))
		return
	}
	sinceSeq, err := pipeline.DecodeCursor(r.URL.Query().Get("since_cursor"))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid cursor"))
		return
	}

	entries := s.ring.Snapshot()
	if process := r.URL.Query().Get("process"); process != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Process == process {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	name := r.URL.Query().Get("window")
	if name == "" {
		name = "5m"
	}
	writeJSON(w, http.StatusOK, pipeline.Summarize(entries, window, name, sinceSeq, time.Now()))
}

func (s *Server) handleLogsErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	page := s.ring.Query(logring.Filter{MinLevel: pipeline.LevelError}, limit, 0)
	writeJSON(w, http.StatusOK, struct {
		Entries []pipeline.Entry      `json:"entries"`
		Total   int                   `json:"total"`
		Crashes []adapter.CrashReport `json:"crashes"`
	}{page.Entries, page.Total, s.crashes.Recent(10)})
}

func (s *Server) handleLogsSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]adapter.Status{"sources": s.superv.Statuses()})
}

// handleSourcesAdd starts an additional log source. Several instances of the
// same type coexist as long as they target different devices.
func (s *Server) handleSourcesAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string `json:"type"`
		UDID    string `json:"udid"`
		Process string `json:"process"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var a adapter.Adapter
	switch req.Type {
	case "simulator":
		if req.UDID == "" {
			writeError(w, apierr.New(apierr.InvalidArgument, "udid is required for simulator sources"))
			return
		}
		a = adapter.NewSimulatorLog(req.UDID)
	case "device":
		if req.UDID == "" {
			writeError(w, apierr.New(apierr.InvalidArgument, "udid is required for device sources"))
			return
		}
		a = adapter.NewDeviceSyslog(req.UDID)
	case "device_pmd3":
		if req.UDID == "" {
			writeError(w, apierr.New(apierr.InvalidArgument, "udid is required for device_pmd3 sources"))
			return
		}
		a = adapter.NewDeviceSyslogPMD3(req.UDID)
	case "oslog":
		a = adapter.NewHostOSLog()
	default:
		writeError(w, apierr.New(apierr.InvalidArgument,
			"unknown source type %q (want simulator, device, device_pmd3, or oslog)", req.Type))
		return
	}

	if req.Process != "" {
		_ = a.Reconfigure(adapter.Filter{Process: req.Process})
	}
	if err := s.superv.Add(a); err != nil {
		writeError(w, apierr.Wrap(apierr.Conflict, err, "adding source"))
		return
	}
	writeJSON(w, http.StatusCreated, a.Status())
}

// handleSourcesRemove stops and unregisters a log source by name.
func (s *Server) handleSourcesRemove(w http.ResponseWriter, r *http.Request) {
	name, err := pathVar(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.superv.Get(name); !ok {
		writeError(w, apierr.New(apierr.NotFound, "source %s not found", name))
		return
	}
	if err := s.superv.Remove(name); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, err, "stopping source"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

func (s *Server) handleLogsFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Adapter string `json:"adapter"`
		Process string `json:"process"`
		Exclude string `json:"exclude"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Adapter == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "adapter name is required"))
		return
	}
	if err := s.superv.Reconfigure(req.Adapter, adapter.Filter{Process: req.Process, Exclude: req.Exclude}); err != nil {
		writeError(w, apierr.Wrap(apierr.NotFound, err, "reconfiguring adapter %s", req.Adapter))
		return
	}
	a, _ := s.superv.Get(req.Adapter)
	writeJSON(w, http.StatusOK, a.Status())
}

// handleBuildsParse ingests a raw xcodebuild output blob.
func (s *Server) handleBuildsParse(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidArgument, err, "reading build output"))
		return
	}
	if len(body) == 0 {
		writeError(w, apierr.New(apierr.InvalidArgument, "empty build output"))
		return
	}
	result := s.builds.Submit(string(body), func(e pipeline.Entry) { s.ingest.Ingest(e) })
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBuildsLatest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.builds.Latest())
}

func (s *Server) handleCrashesLatest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]adapter.CrashReport{"crashes": s.crashes.Recent(limit)})
}
