// Package flowstore owns the in-memory HTTP flow window populated by the
// mitmproxy addon, plus the intercept and mock registries the addon consults.
// The Quern server is the single writer of both registries.
package flowstore

import (
	"strings"
	"time"
)

// FlowSource distinguishes how a flow came to exist.
type FlowSource string

const (
	SourceLive   FlowSource = "live"
	SourceReplay FlowSource = "replay"
	SourceMock   FlowSource = "mock"
)

// Request is the client side of a flow.
type Request struct {
	Method    string            `json:"method"`
	Scheme    string            `json:"scheme,omitempty"`
	Host      string            `json:"host"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Truncated bool              `json:"bodyTruncated,omitempty"`
}

// Response is the server side of a flow; nil while in flight.
type Response struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Truncated bool              `json:"bodyTruncated,omitempty"`
	ElapsedMS float64           `json:"elapsedMs,omitempty"`
}

// Flow is one captured HTTP transaction. Immutable after completion;
// in-flight flows held by intercept stay mutable until released.
type Flow struct {
	ID        string     `json:"id"`            // assigned by the addon
	Seq       uint64     `json:"seq,omitempty"` // ingest order, assigned by the store
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ClientIP  string     `json:"clientIp,omitempty"`
	UDID      string     `json:"udid,omitempty"` // originating simulator if known
	Request   Request    `json:"request"`
	Response  *Response  `json:"response,omitempty"`
	Error     string     `json:"error,omitempty"`
	Source    FlowSource `json:"source"`
}

// Completed reports whether the flow has finished (response or error).
func (f *Flow) Completed() bool { return f.Response != nil || f.Error != "" }

// StatusBucket returns "2xx"/"3xx"/"4xx"/"5xx", or "err" for failed flows
// and "" for in-flight ones.
func (f *Flow) StatusBucket() string {
	if f.Error != "" {
		return "err"
	}
	if f.Response == nil {
		return ""
	}
	switch {
	case f.Response.Status >= 500:
		return "5xx"
	case f.Response.Status >= 400:
		return "4xx"
	case f.Response.Status >= 300:
		return "3xx"
	case f.Response.Status >= 200:
		return "2xx"
	default:
		return "err"
	}
}

// Event is the envelope the addon posts on flow lifecycle transitions.
type Event struct {
	Phase string `json:"phase"` // request, response, error, held
	Flow  Flow   `json:"flow"`
}

// Filter narrows flow queries. Zero fields match everything.
type Filter struct {
	Host       string     `json:"host,omitempty"`       // exact match
	HostSuffix string     `json:"hostSuffix,omitempty"` // ".example.com" style
	PathSub    string     `json:"path,omitempty"`       // substring
	Method     string     `json:"method,omitempty"`
	StatusMin  int        `json:"statusMin,omitempty"`
	StatusMax  int        `json:"statusMax,omitempty"`
	HasError   bool       `json:"hasError,omitempty"`
	UDID       string     `json:"udid,omitempty"`
	ClientIP   string     `json:"clientIp,omitempty"`
	Source     FlowSource `json:"source,omitempty"`
	Since      time.Time  `json:"since,omitzero"`
}

// Match reports whether f satisfies the filter.
func (q Filter) Match(f *Flow) bool {
	if q.Host != "" && !strings.EqualFold(f.Request.Host, q.Host) {
		return false
	}
	if q.HostSuffix != "" && !strings.HasSuffix(strings.ToLower(f.Request.Host), strings.ToLower(q.HostSuffix)) {
		return false
	}
	if q.PathSub != "" && !strings.Contains(f.Request.Path, q.PathSub) {
		return false
	}
	if q.Method != "" && !strings.EqualFold(f.Request.Method, q.Method) {
		return false
	}
	if q.StatusMin > 0 && (f.Response == nil || f.Response.Status < q.StatusMin) {
		return false
	}
	if q.StatusMax > 0 && (f.Response == nil || f.Response.Status > q.StatusMax) {
		return false
	}
	if q.HasError && f.Error == "" {
		return false
	}
	if q.UDID != "" && f.UDID != q.UDID {
		return false
	}
	if q.ClientIP != "" && f.ClientIP != q.ClientIP {
		return false
	}
	if q.Source != "" && f.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && f.StartedAt.Before(q.Since) {
		return false
	}
	return true
}

// Modifications are request overrides applied when releasing a held flow.
type Modifications struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// MockRule short-circuits matching requests with a synthetic response.
// Insertion order defines priority.
type MockRule struct {
	ID      string            `json:"id"`
	Pattern string            `json:"pattern"` // mitmproxy filter syntax
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
