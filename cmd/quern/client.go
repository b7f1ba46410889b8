package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quernd/quern/internal/state"
)

// apiClient talks to the running daemon discovered through the state file.
type apiClient struct {
	base string
	key  string
	http *http.Client
}

// connect locates the running instance or fails with a hint.
func connect() (*apiClient, error) {
	store, err := state.NewStore()
	if err != nil {
		return nil, err
	}
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	if st == nil || !state.PIDAlive(st.PID) {
		return nil, fmt.Errorf("quern is not running (try `quern start`)")
	}
	return &apiClient{
		base: fmt.Sprintf("http://127.0.0.1:%d", st.Port),
		key:  st.APIKey,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.key)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream opens an SSE response; the caller owns closing the body.
func (c *apiClient) stream(path string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.key)
	req.Header.Set("Accept", "text/event-stream")
	// No client timeout: the stream stays open until the user quits.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("reaching daemon: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
	}
	return resp.Body, nil
}
