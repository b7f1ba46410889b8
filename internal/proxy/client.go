package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/flowstore"
)

// Client talks to the addon's loopback control listener inside mitmproxy.
type Client struct {
	mgr  *Manager
	http *http.Client
}

// NewClient returns a control client bound to the manager's child.
func NewClient(mgr *Manager) *Client {
	return &Client{
		mgr:  mgr,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) post(path string, body any) error {
	st := c.mgr.Status()
	if !st.Running {
		return apierr.New(apierr.PreconditionFailed, "proxy is not running")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling addon request: %w", err)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.mgr.ControlPort(), path)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building addon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Quern-Secret", c.mgr.Secret())
	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.SubprocessFailed, err, "reaching proxy addon")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apierr.New(apierr.SubprocessFailed, "proxy addon returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Release resumes a held flow, optionally overriding its request.
func (c *Client) Release(flowID string, mods *flowstore.Modifications) error {
	return c.post("/release", struct {
		FlowID        string                   `json:"flowId"`
		Modifications *flowstore.Modifications `json:"modifications,omitempty"`
	}{flowID, mods})
}

// PushRules replaces the addon's intercept pattern and mock rule set. Called
// whenever either registry changes so the addon never evaluates stale rules.
func (c *Client) PushRules(pattern string, mocks []flowstore.MockRule) error {
	return c.post("/rules", struct {
		Intercept string               `json:"intercept"`
		Mocks     []flowstore.MockRule `json:"mocks"`
	}{pattern, mocks})
}

// Replay asks the addon to re-send a captured request upstream. The replayed
// flow arrives through the normal event callback with source "replay".
func (c *Client) Replay(f *flowstore.Flow, mods *flowstore.Modifications) error {
	req := f.Request
	if mods != nil {
		if mods.Method != "" {
			req.Method = mods.Method
		}
		if mods.URL != "" {
			req.Path = mods.URL
		}
		if mods.Body != nil {
			req.Body = *mods.Body
		}
		if len(mods.Headers) > 0 {
			merged := make(map[string]string, len(req.Headers)+len(mods.Headers))
			for k, v := range req.Headers {
				merged[k] = v
			}
			for k, v := range mods.Headers {
				merged[k] = v
			}
			req.Headers = merged
		}
	}
	return c.post("/replay", struct {
		OriginalID string            `json:"originalId"`
		Request    flowstore.Request `json:"request"`
	}{f.ID, req})
}
