package httpapi

import (
	"net/http"
	"time"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/flowstore"
	"github.com/quernd/quern/internal/pipeline"
)

func flowFilterFromQuery(r *http.Request) (flowstore.Filter, error) {
	q := r.URL.Query()
	f := flowstore.Filter{
		Host:       q.Get("host"),
		HostSuffix: q.Get("host_suffix"),
		PathSub:    q.Get("path"),
		Method:     q.Get("method"),
		UDID:       q.Get("udid"),
		ClientIP:   q.Get("client_ip"),
		Source:     flowstore.FlowSource(q.Get("flow_source")),
		HasError:   q.Get("has_error") == "true",
	}
	var err error
	if f.StatusMin, err = queryInt(r, "status_min", 0); err != nil {
		return f, err
	}
	if f.StatusMax, err = queryInt(r, "status_max", 0); err != nil {
		return f, err
	}
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleFlowsQuery(w http.ResponseWriter, r *http.Request) {
	f, err := flowFilterFromQuery(r)
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
	flows, total := s.flows.Query(f, limit, offset)
	if flows == nil {
		flows = []flowstore.Flow{}
	}
	writeJSON(w, http.StatusOK, struct {
		Flows []flowstore.Flow `json:"flows"`
		Total int              `json:"total"`
	}{flows, total})
}

func (s *Server) handleFlowGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.flows.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleFlowsWait long-polls for a completed flow matching the filters.
// A timeout is a 200 with matched=false, never an error.
func (s *Server) handleFlowsWait(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filters         flowstore.Filter `json:"filters"`
		TimeoutSeconds  float64          `json:"timeout"`
		IntervalSeconds float64          `json:"interval"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	timeout := clampTimeout(req.TimeoutSeconds, 10*time.Second)
	interval := time.Duration(req.IntervalSeconds * float64(time.Second))

	flows, elapsed := s.flows.Wait(r.Context(), req.Filters, timeout, interval)
	writeJSON(w, http.StatusOK, struct {
		Matched bool             `json:"matched"`
		Flows   []flowstore.Flow `json:"flows,omitempty"`
		Elapsed float64          `json:"elapsed"`
	}{len(flows) > 0, flows, elapsed.Seconds()})
}

func (s *Server) handleFlowsSummary(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("window")
	window, err := pipeline.ParseWindow(name)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid window"))
		return
	}
	if name == "" {
		name = "5m"
	}
	sum, err := s.flows.Summarize(time.Duration(window), name, r.URL.Query().Get("since_cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.proxy.Status())
}

func (s *Server) handleProxyStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.proxy.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.proxy.Status())
}

// handleInternalFlow is the addon callback. One envelope per lifecycle
// transition; gated by the proxy shared secret, not the API key.
func (s *Server) handleInternalFlow(w http.ResponseWriter, r *http.Request) {
	var ev flowstore.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if err := s.flows.Ingest(ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInterceptGet(w http.ResponseWriter, _ *http.Request) {
	ic := s.flows.Intercept()
	writeJSON(w, http.StatusOK, struct {
		Pattern string `json:"pattern"`
		Held    int    `json:"held"`
	}{ic.Pattern(), len(ic.Held())})
}

func (s *Server) handleInterceptSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Pattern == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "pattern is required; DELETE clears interception"))
		return
	}
	s.flows.Intercept().SetPattern(req.Pattern)
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pattern": req.Pattern})
}

func (s *Server) handleInterceptClear(w http.ResponseWriter, _ *http.Request) {
	s.flows.Intercept().SetPattern("")
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pattern": ""})
}

// handleInterceptHeld long-polls until a flow is held or the timeout elapses.
func (s *Server) handleInterceptHeld(w http.ResponseWriter, r *http.Request) {
	seconds, err := queryInt(r, "timeout", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	held := s.flows.Intercept().WaitHeld(r.Context(), clampTimeout(float64(seconds), 0))
	if held == nil {
		held = []flowstore.HeldInfo{}
	}
	writeJSON(w, http.StatusOK, map[string][]flowstore.HeldInfo{"held": held})
}

func (s *Server) handleInterceptRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowID        string                   `json:"flow_id"`
		Modifications *flowstore.Modifications `json:"modifications"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.FlowID == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "flow_id is required"))
		return
	}
	f, err := s.flows.Intercept().Release(req.FlowID, req.Modifications)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Modifications *flowstore.Modifications `json:"modifications"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	f, err := s.flows.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.addon.Replay(f, req.Modifications); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"replayed": id})
}

func (s *Server) handleMocksList(w http.ResponseWriter, _ *http.Request) {
	rules := s.flows.Mocks().List()
	if rules == nil {
		rules = []flowstore.MockRule{}
	}
	writeJSON(w, http.StatusOK, map[string][]flowstore.MockRule{"mocks": rules})
}

func (s *Server) handleMocksCreate(w http.ResponseWriter, r *http.Request) {
	var rule flowstore.MockRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.flows.Mocks().Add(rule)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleMocksUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var patch flowstore.MockRule
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.flows.Mocks().Update(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMocksDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.flows.Mocks().Remove(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleMocksClear(w http.ResponseWriter, _ *http.Request) {
	s.flows.Mocks().Clear()
	if err := s.pushRules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// pushRules synchronizes the addon with the current intercept pattern and
// mock set. A stopped proxy is fine: rules take effect at the next start.
func (s *Server) pushRules() error {
	if !s.proxy.Status().Running {
		return nil
	}
	return s.addon.PushRules(s.flows.Intercept().Pattern(), s.flows.Mocks().List())
}
