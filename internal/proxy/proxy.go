// Package proxy supervises the out-of-process mitmproxy instance and speaks
// to the Quern addon loaded into it. The addon reports flow lifecycle events
// to Quern over loopback HTTP; Quern pushes releases and mock rules back to
// the addon's control listener.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/config"
)

// stopGrace is how long the child gets between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// controlFile is written at proxy start so the addon can find Quern and
// authenticate. It lives in the Quern directory and is never exposed to
// external callers.
type controlFile struct {
	ProxyPort   int    `json:"proxyPort"`
	ControlPort int    `json:"controlPort"`
	CallbackURL string `json:"callbackUrl"`
	Secret      string `json:"secret"`
}

// Status describes the proxy child.
type Status struct {
	Running   bool      `json:"running"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Restarts  int       `json:"restarts,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Manager owns the mitmdump subprocess lifecycle.
type Manager struct {
	port      int
	serverURL string // Quern's own base URL, for the addon callback
	addonPath string

	mu       sync.Mutex
	cmd      *exec.Cmd
	secret   string
	started  time.Time
	restarts int
	lastErr  string
	waitDone chan struct{}
}

// NewManager creates a Manager for the given proxy port. serverURL is the
// running daemon's loopback base URL.
func NewManager(port int, serverURL string) *Manager {
	return &Manager{port: port, serverURL: serverURL}
}

// Secret returns the shared secret gating the internal flow endpoint, "" when
// the proxy has never been started.
func (m *Manager) Secret() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secret
}

// ControlPort is where the addon listens for releases and rule pushes.
func (m *Manager) ControlPort() int { return m.port + 1 }

// Start spawns mitmdump with the Quern addon. Idempotent: starting a running
// proxy is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return nil
	}

	bin, err := exec.LookPath("mitmdump")
	if err != nil {
		return apierr.New(apierr.Unavailable, "mitmdump not found in PATH; install mitmproxy to enable flow capture")
	}

	addon := m.addonPath
	if addon == "" {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		addon = filepath.Join(dir, "quern_addon.py")
		if _, err := os.Stat(addon); err != nil {
			return apierr.New(apierr.PreconditionFailed, "proxy addon missing at %s; run setup first", addon)
		}
	}

	secret := uuid.NewString()
	if err := m.writeControlFile(secret); err != nil {
		return err
	}

	cmd := exec.Command(bin,
		"--listen-port", fmt.Sprint(m.port),
		"--set", "block_global=false",
		"-q",
		"-s", addon,
	)
	cmd.Env = append(os.Environ(),
		"QUERN_CALLBACK_URL="+m.serverURL,
		"QUERN_SECRET="+secret,
		fmt.Sprintf("QUERN_CONTROL_PORT=%d", m.ControlPort()),
	)
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.SubprocessFailed, err, "spawning mitmdump")
	}

	m.cmd = cmd
	m.secret = secret
	m.started = time.Now()
	m.lastErr = ""
	m.waitDone = make(chan struct{})
	done := m.waitDone
	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		if m.cmd == cmd { // still the current child: it died on its own
			m.cmd = nil
			if err != nil {
				m.lastErr = err.Error()
			} else {
				m.lastErr = "mitmdump exited"
			}
		}
		m.mu.Unlock()
		close(done)
	}()

	slog.Info("Proxy started", "port", m.port, "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace period.
// Stopping a stopped proxy is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd := m.cmd
	done := m.waitDone
	m.cmd = nil
	m.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
	slog.Info("Proxy stopped", "port", m.port)
	return nil
}

// Restart stops and relaunches the child; used by the watchdog.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
	return m.Start(ctx)
}

// Status reports the child's current condition.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Port: m.port, Restarts: m.restarts, LastError: m.lastErr}
	if m.cmd != nil {
		st.Running = true
		st.PID = m.cmd.Process.Pid
		st.StartedAt = m.started
	}
	return st
}

func (m *Manager) writeControlFile(secret string) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	cf := controlFile{
		ProxyPort:   m.port,
		ControlPort: m.ControlPort(),
		CallbackURL: m.serverURL,
		Secret:      secret,
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling proxy control file: %w", err)
	}
	data = append(data, '\n')
	if err := config.WriteFileAtomic(filepath.Join(dir, config.ProxyCtlFile), data, 0o600); err != nil {
		return fmt.Errorf("writing proxy control file: %w", err)
	}
	return nil
}
