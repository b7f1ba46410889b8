package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/config"
	"github.com/quernd/quern/internal/devicepool"
	"github.com/quernd/quern/internal/flowstore"
	"github.com/quernd/quern/internal/logring"
	"github.com/quernd/quern/internal/pipeline"
	"github.com/quernd/quern/internal/proxy"
)

const testAPIKey = "test-key"

type fakeProxy struct {
	mu      sync.Mutex
	running bool
	secret  string
}

func (p *fakeProxy) Start(context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Status() proxy.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return proxy.Status{Running: p.running, Port: 9101}
}

func (p *fakeProxy) Secret() string { return p.secret }

type fakeAddon struct {
	mu      sync.Mutex
	pushes  int
	pattern string
	mocks   []flowstore.MockRule
	replays []string
}

func (a *fakeAddon) PushRules(pattern string, mocks []flowstore.MockRule) error {
	a.mu.Lock()
	a.pushes++
	a.pattern = pattern
	a.mocks = mocks
	a.mu.Unlock()
	return nil
}

func (a *fakeAddon) Replay(f *flowstore.Flow, _ *flowstore.Modifications) error {
	a.mu.Lock()
	a.replays = append(a.replays, f.ID)
	a.mu.Unlock()
	return nil
}

type staticDiscoverer struct{ recs []devicepool.Record }

func (d staticDiscoverer) Discover() ([]devicepool.Record, error) {
	return append([]devicepool.Record(nil), d.recs...), nil
}

type testEnv struct {
	ts     *httptest.Server
	ingest *pipeline.Ingestor
	flows  *flowstore.Store
	proxy  *fakeProxy
	addon  *fakeAddon
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ring := logring.New(100)
	ingest := pipeline.NewIngestor(pipeline.NewClassifier(), pipeline.NewDeduplicator(30*time.Second), ring.Append)
	superv := adapter.NewSupervisor(func(e pipeline.Entry) { ingest.Ingest(e) })
	flows := flowstore.New(100, func(pipeline.Entry) {})
	fp := &fakeProxy{running: true, secret: "s3cret"}
	fa := &fakeAddon{}

	srv := NewServer(Options{
		APIKey:  testAPIKey,
		Config:  config.Config{},
		Ring:    ring,
		Ingest:  ingest,
		Superv:  superv,
		Crashes: adapter.NewCrashWatcher(t.TempDir()),
		Builds:  adapter.NewBuildStore(),
		Pool: devicepool.New(filepath.Join(t.TempDir(), "device-pool.json"), staticDiscoverer{
			recs: []devicepool.Record{{UDID: "SIM-1", Name: "iPhone 16", Family: "iPhone", Type: devicepool.TypeSimulator, BootState: "Booted"}},
		}),
		Flows: flows,
		Proxy: fp,
		Addon: fa,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, ingest: ingest, flows: flows, proxy: fp, addon: fa}
}

// do issues an authenticated request and decodes the JSON response into out
// (skipped when out is nil).
func (env *testEnv) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, data, err)
		}
	}
	return resp
}

func decodeErrorKind(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("error body %q: %v", data, err)
	}
	if body.Error.Message == "" {
		t.Error("error envelope must carry a message")
	}
	return body.Error.Kind
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRejectsMissingAndWrongKeys(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"", "wrong-key"} {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/status", nil)
		if err != nil {
			t.Fatal(err)
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
		if kind := decodeErrorKind(t, data); kind != "AuthRequired" {
			t.Errorf("key %q: kind = %q, want AuthRequired", key, kind)
		}
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer auth = %d, want 200", resp.StatusCode)
	}
}

func TestLogsQueryFilters(t *testing.T) {
	env := newTestEnv(t)
	for i, level := range []pipeline.Level{pipeline.LevelInfo, pipeline.LevelError, pipeline.LevelInfo} {
		env.ingest.Ingest(pipeline.Entry{
			Source:  pipeline.SourceSimulator,
			Process: "MyApp",
			Level:   level,
			Message: fmt.Sprintf("message %d", i),
		})
	}

	var page logring.Page
	resp := env.do(t, http.MethodGet, "/api/v1/logs/query?level=error", nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if page.Total != 1 || len(page.Entries) != 1 {
		t.Fatalf("page = %d/%d, want the single error", len(page.Entries), page.Total)
	}
	if page.Entries[0].Message != "message 1" {
		t.Errorf("entry = %q", page.Entries[0].Message)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/logs/query?limit=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", resp.StatusCode)
	}
}

func TestSourcesAddAndRemove(t *testing.T) {
	env := newTestEnv(t)

	var st adapter.Status
	resp := env.do(t, http.MethodPost, "/api/v1/logs/sources",
		map[string]string{"type": "simulator", "udid": "SIM-1"}, &st)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add = %d, want 201", resp.StatusCode)
	}
	if st.Name != "simulator:SIM-1" {
		t.Errorf("source name = %q, want simulator:SIM-1", st.Name)
	}

	// Duplicate sources conflict; a second device coexists.
	resp = env.do(t, http.MethodPost, "/api/v1/logs/sources",
		map[string]string{"type": "simulator", "udid": "SIM-1"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/v1/logs/sources",
		map[string]string{"type": "device", "udid": "PHONE-1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("second device add = %d, want 201", resp.StatusCode)
	}

	var list struct {
		Sources []adapter.Status `json:"sources"`
	}
	env.do(t, http.MethodGet, "/api/v1/logs/sources", nil, &list)
	names := make(map[string]bool, len(list.Sources))
	for _, s := range list.Sources {
		names[s.Name] = true
	}
	if !names["simulator:SIM-1"] || !names["device:PHONE-1"] {
		t.Errorf("sources = %v, want both added sources listed", names)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/logs/sources/simulator:SIM-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("remove = %d, want 200", resp.StatusCode)
	}
	resp = env.do(t, http.MethodDelete, "/api/v1/logs/sources/simulator:SIM-1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double remove = %d, want 404", resp.StatusCode)
	}
	env.do(t, http.MethodDelete, "/api/v1/logs/sources/device:PHONE-1", nil, nil)
}

func TestSourcesAddValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/logs/sources",
		map[string]string{"type": "teapot"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", resp.StatusCode)
	}
	for _, typ := range []string{"simulator", "device", "device_pmd3"} {
		resp = env.do(t, http.MethodPost, "/api/v1/logs/sources",
			map[string]string{"type": typ}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s without udid = %d, want 400", typ, resp.StatusCode)
		}
	}
}

func TestBuildsParseRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	output := strings.Join([]string{
		"Build settings from command line:",
		"/src/App/Feed.swift:42:17: error: cannot convert value of type 'Int'",
		"/src/App/Feed.swift:10:1: warning: variable 'x' was never used",
		"** BUILD FAILED ** [7.250 sec]",
	}, "\n")

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/builds/parse", strings.NewReader(output))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var result adapter.BuildResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Errors != 1 || result.Warnings != 1 {
		t.Errorf("result = %+v, want one error and one warning, failed", result)
	}

	var latest adapter.BuildResult
	if r := env.do(t, http.MethodGet, "/api/v1/builds/latest", nil, &latest); r.StatusCode != http.StatusOK {
		t.Fatalf("latest = %d", r.StatusCode)
	}
	if latest.Errors != 1 {
		t.Errorf("latest errors = %d, want 1", latest.Errors)
	}

	// Build diagnostics land in the log ring too.
	var page logring.Page
	env.do(t, http.MethodGet, "/api/v1/logs/query?source=build", nil, &page)
	if page.Total == 0 {
		t.Error("build diagnostics must be ingested as log entries")
	}
}

func TestMocksCRUDPushesRules(t *testing.T) {
	env := newTestEnv(t)

	var created flowstore.MockRule
	resp := env.do(t, http.MethodPost, "/api/v1/proxy/mocks",
		flowstore.MockRule{Pattern: "~u /v1/flags", Status: 418, Body: "{}"}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d, want 201", resp.StatusCode)
	}
	if created.ID == "" || created.Status != 418 {
		t.Errorf("created = %+v", created)
	}

	var updated flowstore.MockRule
	resp = env.do(t, http.MethodPatch, "/api/v1/proxy/mocks/"+created.ID,
		flowstore.MockRule{Status: 500}, &updated)
	if resp.StatusCode != http.StatusOK || updated.Status != 500 || updated.Pattern != "~u /v1/flags" {
		t.Errorf("update = %d %+v", resp.StatusCode, updated)
	}

	var list struct {
		Mocks []flowstore.MockRule `json:"mocks"`
	}
	env.do(t, http.MethodGet, "/api/v1/proxy/mocks", nil, &list)
	if len(list.Mocks) != 1 {
		t.Fatalf("list = %+v", list.Mocks)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/proxy/mocks/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodDelete, "/api/v1/proxy/mocks/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete = %d, want 404", resp.StatusCode)
	}

	// Each successful mutation pushed the rule set to the addon.
	env.addon.mu.Lock()
	pushes := env.addon.pushes
	env.addon.mu.Unlock()
	if pushes != 3 {
		t.Errorf("rule pushes = %d, want 3 (create, update, delete)", pushes)
	}
}

func TestMockMutationSkipsPushWhenProxyStopped(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.running = false

	resp := env.do(t, http.MethodPost, "/api/v1/proxy/mocks", flowstore.MockRule{Pattern: "~u /x"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	env.addon.mu.Lock()
	defer env.addon.mu.Unlock()
	if env.addon.pushes != 0 {
		t.Errorf("pushes = %d, want 0 while the proxy is stopped", env.addon.pushes)
	}
}

func TestFlowsWaitTimeoutIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	var result struct {
		Matched bool    `json:"matched"`
		Elapsed float64 `json:"elapsed"`
	}
	body := map[string]any{
		"filters": map[string]any{"host": "never.test"},
		"timeout": 0.3,
	}
	resp := env.do(t, http.MethodPost, "/api/v1/proxy/flows/wait", body, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait = %d, want 200 on timeout", resp.StatusCode)
	}
	if result.Matched {
		t.Error("matched must be false on timeout")
	}
	if result.Elapsed < 0.25 {
		t.Errorf("elapsed = %v, want roughly the timeout", result.Elapsed)
	}
}

func TestInternalFlowRequiresProxySecret(t *testing.T) {
	env := newTestEnv(t)
	ev := flowstore.Event{Phase: "request", Flow: flowstore.Flow{
		ID:      "f1",
		Request: flowstore.Request{Method: "GET", Host: "api.example.com", Path: "/v1"},
	}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	post := func(secret string) int {
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/proxy/internal/flow", bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if secret != "" {
			req.Header.Set("X-Quern-Secret", secret)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Errorf("no secret = %d, want 401", code)
	}
	if code := post("wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d, want 401", code)
	}
	if code := post("s3cret"); code != http.StatusOK {
		t.Errorf("valid secret = %d, want 200", code)
	}

	var list struct {
		Flows []flowstore.Flow `json:"flows"`
		Total int              `json:"total"`
	}
	env.do(t, http.MethodGet, "/api/v1/proxy/flows?host=api.example.com", nil, &list)
	if list.Total != 1 {
		t.Errorf("ingested flow not queryable: %+v", list)
	}
}

func TestInterceptReleaseUnknownFlow(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/proxy/intercept/release",
		map[string]string{"flow_id": "ghost"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("release of unknown flow = %d, want 404", resp.StatusCode)
	}
}

func TestInterceptSetRequiresPattern(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/proxy/intercept", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty pattern = %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/proxy/intercept", map[string]string{"pattern": "~d example.com"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set pattern = %d", resp.StatusCode)
	}
	var state struct {
		Pattern string `json:"pattern"`
		Held    int    `json:"held"`
	}
	env.do(t, http.MethodGet, "/api/v1/proxy/intercept", nil, &state)
	if state.Pattern != "~d example.com" {
		t.Errorf("pattern = %q", state.Pattern)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/proxy/intercept", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	env.do(t, http.MethodGet, "/api/v1/proxy/intercept", nil, &state)
	if state.Pattern != "" {
		t.Errorf("pattern after clear = %q", state.Pattern)
	}
}

func TestReplayKnownFlow(t *testing.T) {
	env := newTestEnv(t)
	if err := env.flows.Ingest(flowstore.Event{Phase: "request", Flow: flowstore.Flow{
		ID:      "f1",
		Request: flowstore.Request{Method: "GET", Host: "api.example.com", Path: "/v1"},
	}}); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/proxy/replay/f1", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("replay = %d, want 202", resp.StatusCode)
	}
	env.addon.mu.Lock()
	replays := append([]string(nil), env.addon.replays...)
	env.addon.mu.Unlock()
	if len(replays) != 1 || replays[0] != "f1" {
		t.Errorf("replays = %v, want [f1]", replays)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/proxy/replay/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("replay of unknown flow = %d, want 404", resp.StatusCode)
	}
}

func TestProxyStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.running = false

	var st proxy.Status
	resp := env.do(t, http.MethodPost, "/api/v1/proxy/start", nil, &st)
	if resp.StatusCode != http.StatusOK || !st.Running {
		t.Errorf("start = %d running=%v", resp.StatusCode, st.Running)
	}
	resp = env.do(t, http.MethodPost, "/api/v1/proxy/stop", nil, &st)
	if resp.StatusCode != http.StatusOK || st.Running {
		t.Errorf("stop = %d running=%v", resp.StatusCode, st.Running)
	}
}

func TestDevicesClaimAndRelease(t *testing.T) {
	env := newTestEnv(t)

	var claim struct {
		Device    devicepool.Record `json:"device"`
		SessionID string            `json:"session_id"`
	}
	resp := env.do(t, http.MethodPost, "/api/v1/devices/claim",
		map[string]any{"criteria": map[string]string{"udid": "SIM-1"}}, &claim)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d", resp.StatusCode)
	}
	if claim.SessionID == "" || claim.Device.UDID != "SIM-1" {
		t.Errorf("claim = %+v", claim)
	}

	// A second session conflicts.
	resp = env.do(t, http.MethodPost, "/api/v1/devices/claim",
		map[string]any{"criteria": map[string]string{"udid": "SIM-1"}, "session_id": "other"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second claim = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/devices/release",
		map[string]string{"udid": "SIM-1", "session_id": claim.SessionID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("release = %d", resp.StatusCode)
	}
}

func TestStatusReport(t *testing.T) {
	env := newTestEnv(t)
	env.ingest.Ingest(pipeline.Entry{Source: pipeline.SourceServer, Message: "hello"})

	var report statusReport
	resp := env.do(t, http.MethodGet, "/api/v1/status", nil, &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if report.RingEntries != 1 || report.RingLastSeq != 1 {
		t.Errorf("ring stats = %d/%d", report.RingEntries, report.RingLastSeq)
	}
	if !report.Proxy.Running {
		t.Error("proxy status must be reported")
	}
	if report.Devices != 1 {
		t.Errorf("devices = %d, want 1", report.Devices)
	}
}
