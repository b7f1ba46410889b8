// Package httpapi serves the Quern HTTP API on loopback. All state mutations
// go through the stores owned by the daemon; handlers are thin translations
// between HTTP and the store contracts, with one central error mapping.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/config"
	"github.com/quernd/quern/internal/devicepool"
	"github.com/quernd/quern/internal/flowstore"
	"github.com/quernd/quern/internal/logring"
	"github.com/quernd/quern/internal/pipeline"
	"github.com/quernd/quern/internal/proxy"
)

// longPollCap bounds every client-supplied wait so a handler can never hang
// past it.
const longPollCap = 60 * time.Second

// heartbeatInterval is the SSE comment cadence that keeps idle streams open
// through proxies and detects dead clients.
const heartbeatInterval = 15 * time.Second

// ProxyController is the slice of the proxy manager the API needs.
type ProxyController interface {
	Start(ctx context.Context) error
	Stop() error
	Status() proxy.Status
	Secret() string
}

// AddonClient pushes rule changes to and requests replays from the addon.
type AddonClient interface {
	PushRules(pattern string, mocks []flowstore.MockRule) error
	Replay(f *flowstore.Flow, mods *flowstore.Modifications) error
}

// Server holds every store the handlers reach.
type Server struct {
	apiKey    string
	cfg       config.Config
	ring      *logring.Ring
	ingest    *pipeline.Ingestor
	superv    *adapter.Supervisor
	crashes   *adapter.CrashWatcher
	builds    *adapter.BuildStore
	pool      *devicepool.Pool
	booter    devicepool.Booter
	flows     *flowstore.Store
	proxy     ProxyController
	addon     AddonClient
	startedAt time.Time

	router *mux.Router
}

// Options bundles the Server's dependencies.
type Options struct {
	APIKey  string
	Config  config.Config
	Ring    *logring.Ring
	Ingest  *pipeline.Ingestor
	Superv  *adapter.Supervisor
	Crashes *adapter.CrashWatcher
	Builds  *adapter.BuildStore
	Pool    *devicepool.Pool
	Booter  devicepool.Booter
	Flows   *flowstore.Store
	Proxy   ProxyController
	Addon   AddonClient
}

// NewServer builds the router. The returned Server implements http.Handler.
func NewServer(opts Options) *Server {
	s := &Server{
		apiKey:    opts.APIKey,
		cfg:       opts.Config,
		ring:      opts.Ring,
		ingest:    opts.Ingest,
		superv:    opts.Superv,
		crashes:   opts.Crashes,
		builds:    opts.Builds,
		pool:      opts.Pool,
		booter:    opts.Booter,
		flows:     opts.Flows,
		proxy:     opts.Proxy,
		addon:     opts.Addon,
		startedAt: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The addon callback authenticates with the proxy shared secret, not the
	// API key, so it sits outside the authed subrouter.
	r.HandleFunc("/api/v1/proxy/internal/flow", s.requireSecret(s.handleInternalFlow)).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/logs/query", s.handleLogsQuery).Methods(http.MethodGet)
	api.HandleFunc("/logs/stream", s.handleLogsStream).Methods(http.MethodGet)
	api.HandleFunc("/logs/summary", s.handleLogsSummary).Methods(http.MethodGet)
	api.HandleFunc("/logs/errors", s.handleLogsErrors).Methods(http.MethodGet)
	api.HandleFunc("/logs/sources", s.handleLogsSources).Methods(http.MethodGet)
	api.HandleFunc("/logs/sources", s.handleSourcesAdd).Methods(http.MethodPost)
	api.HandleFunc("/logs/sources/{name}", s.handleSourcesRemove).Methods(http.MethodDelete)
	api.HandleFunc("/logs/filter", s.handleLogsFilter).Methods(http.MethodPost)

	api.HandleFunc("/builds/parse", s.handleBuildsParse).Methods(http.MethodPost)
	api.HandleFunc("/builds/latest", s.handleBuildsLatest).Methods(http.MethodGet)

	api.HandleFunc("/crashes/latest", s.handleCrashesLatest).Methods(http.MethodGet)

	api.HandleFunc("/proxy/flows", s.handleFlowsQuery).Methods(http.MethodGet)
	api.HandleFunc("/proxy/flows/wait", s.handleFlowsWait).Methods(http.MethodPost)
	api.HandleFunc("/proxy/flows/summary", s.handleFlowsSummary).Methods(http.MethodGet)
	api.HandleFunc("/proxy/flows/{id}", s.handleFlowGet).Methods(http.MethodGet)
	api.HandleFunc("/proxy/start", s.handleProxyStart).Methods(http.MethodPost)
	api.HandleFunc("/proxy/stop", s.handleProxyStop).Methods(http.MethodPost)

	api.HandleFunc("/proxy/intercept", s.handleInterceptGet).Methods(http.MethodGet)
	api.HandleFunc("/proxy/intercept", s.handleInterceptSet).Methods(http.MethodPost)
	api.HandleFunc("/proxy/intercept", s.handleInterceptClear).Methods(http.MethodDelete)
	api.HandleFunc("/proxy/intercept/held", s.handleInterceptHeld).Methods(http.MethodGet)
	api.HandleFunc("/proxy/intercept/release", s.handleInterceptRelease).Methods(http.MethodPost)

	api.HandleFunc("/proxy/replay/{id}", s.handleReplay).Methods(http.MethodPost)

	api.HandleFunc("/proxy/mocks", s.handleMocksList).Methods(http.MethodGet)
	api.HandleFunc("/proxy/mocks", s.handleMocksCreate).Methods(http.MethodPost)
	api.HandleFunc("/proxy/mocks", s.handleMocksClear).Methods(http.MethodDelete)
	api.HandleFunc("/proxy/mocks/{id}", s.handleMocksUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/proxy/mocks/{id}", s.handleMocksDelete).Methods(http.MethodDelete)

	api.HandleFunc("/devices/pool", s.handleDevicesPool).Methods(http.MethodGet)
	api.HandleFunc("/devices/claim", s.handleDevicesClaim).Methods(http.MethodPost)
	api.HandleFunc("/devices/release", s.handleDevicesRelease).Methods(http.MethodPost)
	api.HandleFunc("/devices/cleanup", s.handleDevicesCleanup).Methods(http.MethodPost)
	api.HandleFunc("/devices/refresh", s.handleDevicesRefresh).Methods(http.MethodPost)
	api.HandleFunc("/devices/resolve", s.handleDevicesResolve).Methods(http.MethodPost)
	api.HandleFunc("/devices/ensure", s.handleDevicesEnsure).Methods(http.MethodPost)

	return r
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request handled", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// authMiddleware accepts either a Bearer token or the X-API-Key header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				key = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, apierr.New(apierr.AuthRequired, "missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSecret gates the addon callback with the proxy shared secret.
func (s *Server) requireSecret(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.proxy.Secret()
		got := r.Header.Get("X-Quern-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeError(w, apierr.New(apierr.AuthRequired, "invalid proxy secret"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusReport is the one-document daemon overview.
type statusReport struct {
	UptimeSeconds float64          `json:"uptimeSeconds"`
	RingEntries   int              `json:"ringEntries"`
	RingLastSeq   uint64           `json:"ringLastSeq"`
	Subscribers   int              `json:"subscribers"`
	Adapters      []adapter.Status `json:"adapters"`
	Proxy         proxy.Status     `json:"proxy"`
	Flows         int              `json:"flows"`
	Devices       int              `json:"devices"`
	Claimed       int              `json:"claimedDevices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RingEntries:   s.ring.Len(),
		RingLastSeq:   s.ring.LastSeq(),
		Subscribers:   s.ring.SubscriberCount(),
		Adapters:      s.superv.Statuses(),
		Proxy:         s.proxy.Status(),
		Flows:         s.flows.Len(),
	}
	if devices, err := s.pool.List(); err == nil {
		report.Devices = len(devices)
		for _, d := range devices {
			if d.Claimed {
				report.Claimed++
			}
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Response encoding failed", "err", err)
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Kind    apierr.Kind    `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// writeError maps any error to the JSON error envelope with the status code
// its kind dictates.
func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	var ae *apierr.Error
	if errors.As(err, &ae) {
		body.Error.Kind = ae.Kind
		body.Error.Message = ae.Message
		body.Error.Details = ae.Details
	} else {
		body.Error.Kind = apierr.Internal
		body.Error.Message = err.Error()
	}
	writeJSON(w, apierr.HTTPStatus(body.Error.Kind), body)
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apierr.New(apierr.InvalidArgument, "invalid %s %q", name, v)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apierr.New(apierr.InvalidArgument, "invalid %s %q (want RFC 3339)", name, v)
	}
	return t, nil
}

// clampTimeout converts a client-supplied seconds value to a duration bounded
// by the long-poll cap.
func clampTimeout(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > longPollCap {
		return longPollCap
	}
	return d
}

func pathVar(r *http.Request, name string) (string, error) {
	v := mux.Vars(r)[name]
	if v == "" {
		return "", apierr.New(apierr.InvalidArgument, "missing %s", name)
	}
	return v, nil
}
