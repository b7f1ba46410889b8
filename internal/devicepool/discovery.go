package devicepool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"howett.net/plist"
)

// Discoverer enumerates currently attached simulators and devices.
type Discoverer interface {
	Discover() ([]Record, error)
}

// discoverTimeout bounds each platform tool invocation.
const discoverTimeout = 15 * time.Second

// SimctlDiscoverer reads the simulator inventory from `xcrun simctl list -j`
// and, when simctl is unavailable, falls back to reading device.plist files
// under the CoreSimulator devices directory.
type SimctlDiscoverer struct {
	// run is swappable for tests; defaults to exec.CommandContext.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
	// devicesDir overrides the CoreSimulator directory in the plist fallback.
	devicesDir string
}

// NewSimctlDiscoverer creates a SimctlDiscoverer using real subprocesses.
func NewSimctlDiscoverer() *SimctlDiscoverer {
	return &SimctlDiscoverer{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// simctlList mirrors the JSON shape of `xcrun simctl list -j devices`.
type simctlList struct {
	Devices map[string][]struct {
		UDID         string `json:"udid"`
		Name         string `json:"name"`
		State        string `json:"state"`
		IsAvailable  bool   `json:"isAvailable"`
		DeviceTypeID string `json:"deviceTypeIdentifier"`
	} `json:"devices"`
}

var runtimeOSRe = regexp.MustCompile(`SimRuntime\.([a-zA-Z]+)-(\d+)-(\d+)`)

// Discover lists simulators via simctl, falling back to plists.
func (d *SimctlDiscoverer) Discover() ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()

	out, err := d.run(ctx, "xcrun", "simctl", "list", "-j", "devices")
	if err != nil {
		if recs, perr := d.discoverFromPlists(); perr == nil {
			return recs, nil
		}
		return nil, fmt.Errorf("simctl list: %w", err)
	}

	var list simctlList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("parsing simctl list output: %w", err)
	}

	var recs []Record
	for runtimeID, devs := range list.Devices {
		osVersion := runtimeOSVersion(runtimeID)
		for _, dev := range devs {
			if !dev.IsAvailable {
				continue
			}
			recs = append(recs, Record{
				UDID:      dev.UDID,
				Name:      dev.Name,
				Family:    familyFromName(dev.Name),
				OSVersion: osVersion,
				Type:      TypeSimulator,
				BootState: dev.State,
			})
		}
	}
	return recs, nil
}

// devicePlist is the subset of CoreSimulator's device.plist we consume.
type devicePlist struct {
	UDID       string `plist:"UDID"`
	Name       string `plist:"name"`
	State      int    `plist:"state"`
	DeviceType string `plist:"deviceType"`
	Runtime    string `plist:"runtime"`
}

// discoverFromPlists walks ~/Library/Developer/CoreSimulator/Devices and
// decodes each device.plist directly. Slower than simctl but dependency-free.
func (d *SimctlDiscoverer) discoverFromPlists() ([]Record, error) {
	dir := d.devicesDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, "Library", "Developer", "CoreSimulator", "Devices")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading CoreSimulator devices: %w", err)
	}

	var recs []Record
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name(), "device.plist"))
		if err != nil {
			continue
		}
		var dp devicePlist
		if _, err := plist.Unmarshal(data, &dp); err != nil {
			continue
		}
		if dp.UDID == "" {
			dp.UDID = de.Name()
		}
		recs = append(recs, Record{
			UDID:      dp.UDID,
			Name:      dp.Name,
			Family:    familyFromName(dp.Name),
			OSVersion: runtimeOSVersion(dp.Runtime),
			Type:      TypeSimulator,
			BootState: plistBootState(dp.State),
		})
	}
	return recs, nil
}

// plistBootState maps CoreSimulator's numeric state to simctl's names.
func plistBootState(state int) string {
	switch state {
	case 1:
		return "Shutdown"
	case 3:
		return "Booted"
	default:
		return "Unknown"
	}
}

// runtimeOSVersion extracts "17.5" from
// "com.apple.CoreSimulator.SimRuntime.iOS-17-5".
func runtimeOSVersion(runtimeID string) string {
	m := runtimeOSRe.FindStringSubmatch(runtimeID)
	if m == nil {
		return ""
	}
	return m[2] + "." + m[3]
}

func familyFromName(name string) string {
	switch {
	case strings.Contains(name, "iPad"):
		return "iPad"
	case strings.Contains(name, "iPhone"):
		return "iPhone"
	case strings.Contains(name, "Watch"):
		return "Apple Watch"
	case strings.Contains(name, "TV"):
		return "Apple TV"
	default:
		return ""
	}
}

// Booter boots and shuts down simulators. Separated from discovery so resolve
// can be tested with fakes.
type Booter interface {
	Boot(ctx context.Context, udid string) error
	Shutdown(ctx context.Context, udid string) error
}

// SimctlBooter drives `xcrun simctl boot/shutdown`.
type SimctlBooter struct{}

func (SimctlBooter) Boot(ctx context.Context, udid string) error {
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "boot", udid).CombinedOutput()
	if err != nil {
		// Booting an already-booted device is not an error.
		if strings.Contains(string(out), "current state: Booted") {
			return nil
		}
		return fmt.Errorf("simctl boot: %w\n%s", err, out)
	}
	return nil
}

func (SimctlBooter) Shutdown(ctx context.Context, udid string) error {
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "shutdown", udid).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "current state: Shutdown") {
			return nil
		}
		return fmt.Errorf("simctl shutdown: %w\n%s", err, out)
	}
	return nil
}
