// Package daemon wires every component together and owns the process
// lifecycle: single-instance probing, port binding, state publication, signal
// handling, and ordered teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/config"
	"github.com/quernd/quern/internal/devicepool"
	"github.com/quernd/quern/internal/flowstore"
	"github.com/quernd/quern/internal/httpapi"
	"github.com/quernd/quern/internal/logring"
	"github.com/quernd/quern/internal/pipeline"
	"github.com/quernd/quern/internal/proxy"
	"github.com/quernd/quern/internal/state"
)

const (
	healthProbeTimeout = 3 * time.Second
	healthProbeRetries = 3
	shutdownTimeout    = 5 * time.Second
)

// Options steer a daemon run.
type Options struct {
	Config      config.Config
	ProxyOnBoot bool // start mitmproxy immediately instead of on demand
}

// Daemon is one running Quern instance.
type Daemon struct {
	cfg    config.Config
	states *state.Store

	ring    *logring.Ring
	ingest  *pipeline.Ingestor
	superv  *adapter.Supervisor
	crashes *adapter.CrashWatcher
	builds  *adapter.BuildStore
	pool    *devicepool.Pool
	booter  devicepool.Booter
	flows   *flowstore.Store
	proxy   *proxy.Manager
	addon   *proxy.Client

	sessionID string
	port      int
	startedAt time.Time
}

// New assembles a Daemon from the given options. Nothing is started yet.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config.Normalize()
	states, err := state.NewStore()
	if err != nil {
		return nil, err
	}
	pool, err := devicepool.NewDefault()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		states:    states,
		ring:      logring.New(cfg.RingCapacity),
		builds:    adapter.NewBuildStore(),
		pool:      pool,
		booter:    devicepool.SimctlBooter{},
		sessionID: "quern-" + uuid.NewString(),
	}

	classifier := pipeline.NewClassifier()
	if dir, err := config.Dir(); err == nil {
		if err := classifier.LoadRules(filepath.Join(dir, config.RulesFile)); err != nil {
			slog.Warn("Classifier rule overrides not loaded", "err", err)
		}
	}
	dedup := pipeline.NewDeduplicator(time.Duration(cfg.DedupWindowMS) * time.Millisecond)
	d.ingest = pipeline.NewIngestor(classifier, dedup, d.ring.Append)

	emit := func(e pipeline.Entry) { d.ingest.Ingest(e) }
	d.superv = adapter.NewSupervisor(emit)
	d.crashes = adapter.NewCrashWatcher(cfg.CrashDir)
	d.flows = flowstore.New(cfg.FlowCapacity, emit)
	d.flows.SetBodyLimit(cfg.BodyLimit)
	return d, nil
}

// Run executes the full lifecycle and blocks until shutdown. The returned
// error's kind selects the process exit code.
func (d *Daemon) Run(ctx context.Context, opts Options) error {
	if err := d.checkSingleInstance(ctx); err != nil {
		return err
	}

	ln, port, err := bindListener(d.cfg.ServerPort)
	if err != nil {
		return err
	}
	d.port = port

	apiKey, err := d.states.APIKey()
	if err != nil {
		_ = ln.Close()
		return err
	}

	d.proxy = proxy.NewManager(d.cfg.ProxyPort, fmt.Sprintf("http://127.0.0.1:%d", port))
	d.addon = proxy.NewClient(d.proxy)
	d.flows.Intercept().SetReleaseFunc(d.addon.Release)

	srv := &http.Server{
		Handler: httpapi.NewServer(httpapi.Options{
			APIKey:  apiKey,
			Config:  d.cfg,
			Ring:    d.ring,
			Ingest:  d.ingest,
			Superv:  d.superv,
			Crashes: d.crashes,
			Builds:  d.builds,
			Pool:    d.pool,
			Booter:  d.booter,
			Flows:   d.flows,
			Proxy:   d.proxy,
			Addon:   d.addon,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	d.startAdapters(ctx)

	if opts.ProxyOnBoot {
		if err := d.proxy.Start(ctx); err != nil {
			slog.Warn("Proxy did not start", "err", err)
		}
	}

	// State goes public only once the listener answers.
	d.startedAt = time.Now()
	if err := d.publishState(); err != nil {
		_ = srv.Close()
		return err
	}
	d.emitServer(pipeline.LevelInfo, fmt.Sprintf("quern listening on 127.0.0.1:%d", port))
	slog.Info("Daemon running", "port", port, "pid", os.Getpid())

	watchCtx, cancelWatch := context.WithCancel(ctx)
	go d.watchdog(watchCtx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		slog.Info("Shutting down", "signal", sig)
	case <-ctx.Done():
	case err := <-serveErr:
		cancelWatch()
		d.teardown()
		return fmt.Errorf("http server: %w", err)
	}

	cancelWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	d.teardown()
	return nil
}

// checkSingleInstance refuses to start while a live, healthy instance owns
// the state file. A stale file (dead PID or unresponsive health endpoint) is
// removed and startup proceeds.
func (d *Daemon) checkSingleInstance(ctx context.Context) error {
	st, err := d.states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	if state.PIDAlive(st.PID) && probeHealth(ctx, st.Port) {
		return apierr.New(apierr.AlreadyRunning, "quern is already running (pid %d, port %d)", st.PID, st.Port)
	}
	slog.Info("Removing stale state file", "pid", st.PID)
	return d.states.Clear()
}

func probeHealth(ctx context.Context, port int) bool {
	client := &http.Client{Timeout: healthProbeTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	for i := 0; i < healthProbeRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// bindListener scans upward from basePort for a free loopback port.
func bindListener(basePort int) (net.Listener, int, error) {
	for i := 0; i < config.PortScanRange; i++ {
		port := basePort + i
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("binding port %d: %w", port, err)
		}
	}
	return nil, 0, apierr.New(apierr.PortsExhausted, "no free port in %d-%d", basePort, basePort+config.PortScanRange-1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// startAdapters launches the always-on sources. Failures are logged, not
// fatal: a missing crash directory or absent platform tool must not stop the
// daemon.
func (d *Daemon) startAdapters(ctx context.Context) {
	if err := d.superv.Add(d.crashes); err != nil {
		slog.Warn("Crash watcher unavailable", "err", err)
		d.emitServer(pipeline.LevelWarning, "crash watcher unavailable: "+err.Error())
	}
	if udid := d.cfg.DefaultUDID; udid != "" {
		if err := d.superv.Add(adapter.NewSimulatorLog(udid)); err != nil {
			slog.Warn("Simulator log adapter failed", "udid", udid, "err", err)
		}
	}
}

// publishState writes the current instance record. The watchdog calls it
// again whenever the claimed-device set or the proxy state changes.
func (d *Daemon) publishState() error {
	proxySt := d.proxy.Status()
	st := state.ServerState{
		PID:          os.Getpid(),
		Port:         d.port,
		ProxyPort:    d.cfg.ProxyPort,
		ProxyEnabled: proxySt.Running,
		StartedAt:    d.startedAt,
	}
	if proxySt.Running {
		st.ProxyStatus = "running"
	}
	if udids, err := d.pool.ClaimedUDIDs(); err != nil {
		slog.Debug("Claimed device listing failed", "err", err)
	} else {
		st.ActiveDevices = udids
	}
	key, err := d.states.APIKey()
	if err != nil {
		return err
	}
	st.APIKey = key
	return d.states.Publish(st)
}

// teardown is the ordered shutdown tail: adapters, proxy, device claims,
// state file. Every step is best effort.
func (d *Daemon) teardown() {
	d.superv.StopAll()
	if err := d.proxy.Stop(); err != nil {
		slog.Warn("Proxy stop failed", "err", err)
	}
	if n, err := d.pool.ReleaseSession(d.sessionID); err != nil {
		slog.Warn("Device claim release failed", "err", err)
	} else if n > 0 {
		slog.Info("Released device claims", "count", n)
	}
	if err := d.states.Clear(); err != nil {
		slog.Warn("State file removal failed", "err", err)
	}
}

func (d *Daemon) emitServer(level pipeline.Level, msg string) {
	d.ingest.Ingest(pipeline.Entry{
		Source:  pipeline.SourceServer,
		Process: "quern",
		Level:   level,
		Message: msg,
	})
}

// SessionID identifies device claims made on behalf of this daemon.
func (d *Daemon) SessionID() string { return d.sessionID }
