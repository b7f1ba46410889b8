// Package devicepool mediates exclusive access to the shared set of
// simulators and physical devices. Records persist in a single JSON file
// guarded by an advisory flock, so cooperating processes on the same host
// serialize every mutation.
package devicepool

import (
	"time"
)

// DeviceType distinguishes simulators from physical devices.
type DeviceType string

const (
	TypeSimulator DeviceType = "simulator"
	TypeDevice    DeviceType = "device"
)

// Record is one known device. UDID is the primary key.
type Record struct {
	UDID      string     `json:"udid"`
	Name      string     `json:"name"`
	Family    string     `json:"family,omitempty"` // iPhone, iPad, ...
	OSVersion string     `json:"osVersion,omitempty"`
	Type      DeviceType `json:"type"`
	BootState string     `json:"bootState,omitempty"` // Booted, Shutdown, ...
	Claimed   bool       `json:"claimed"`
	SessionID string     `json:"sessionId,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	LastSeen  time.Time  `json:"lastSeen"`
	Stale     bool       `json:"stale,omitempty"` // no longer reported by platform tools

	// Cached platform metadata: cert install markers, Wi-Fi proxy config.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Available reports whether the record can be claimed right now.
func (r *Record) Available() bool {
	return !r.Claimed && !r.Stale
}

// Criteria narrows candidate selection for claim and resolve.
type Criteria struct {
	UDID        string     `json:"udid,omitempty"`        // exact match wins over everything
	NamePattern string     `json:"namePattern,omitempty"` // case-insensitive substring
	Family      string     `json:"family,omitempty"`
	OSVersion   string     `json:"osVersion,omitempty"` // prefix match ("17" matches "17.5")
	Type        DeviceType `json:"type,omitempty"`
	BootedOnly  bool       `json:"bootedOnly,omitempty"`
}

// poolFile is the on-disk shape of ~/.quern/device-pool.json.
type poolFile struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Devices   map[string]*Record `json:"devices"`
}

const poolFileVersion = 1
