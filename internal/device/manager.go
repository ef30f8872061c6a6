// ABOUTME: Output device manager with hotplug tracking
// ABOUTME: Owns device selection, default fallback, and list-changed events
package device

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio/output"
)

// EventKind identifies a device manager event
type EventKind int

const (
	// EventListChanged fires when the set of available devices changes
	EventListChanged EventKind = iota
	// EventDeviceLost fires when the selected device disappears and
	// playback falls back to the system default.
	EventDeviceLost
)

// Event is a device notification
type Event struct {
	Kind    EventKind
	Devices []output.Device
	LostID  string
}

// ErrUnknownDevice is returned by Select for an identifier that is not
// in the current device list.
var ErrUnknownDevice = errors.New("unknown output device")

// Config holds manager configuration
type Config struct {
	// Enumerate lists playback devices; defaults to output.Devices.
	Enumerate func() ([]output.Device, error)

	// Apply retargets audio onto the given device (the pipeline's
	// SetOutput). An empty ID means the system default.
	Apply func(deviceID string) error

	// PollInterval is the hotplug polling cadence (default 2s; the
	// miniaudio wrapper exposes no change notifications).
	PollInterval time.Duration
}

// Manager tracks available output devices and owns the current
// selection. The selected device handle itself belongs to the pipeline;
// the manager only decides which identifier it should hold.
type Manager struct {
	config Config

	mu       sync.Mutex
	devices  []output.Device
	selected string

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a device manager
func NewManager(config Config) *Manager {
	if config.Enumerate == nil {
		config.Enumerate = output.Devices
	}
	if config.Apply == nil {
		config.Apply = func(string) error { return nil }
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}

	return &Manager{
		config: config,
		events: make(chan Event, 16),
	}
}

// Refresh re-enumerates devices, emitting EventListChanged on a diff.
// Returns the current ordered list: system default first, then by name.
func (m *Manager) Refresh() ([]output.Device, error) {
	devices, err := m.config.Enumerate()
	if err != nil {
		return nil, err
	}
	output.SortDevices(devices)

	m.mu.Lock()
	changed := !sameDevices(m.devices, devices)
	m.devices = devices
	selected := m.selected
	m.mu.Unlock()

	if changed {
		m.emit(Event{Kind: EventListChanged, Devices: append([]output.Device(nil), devices...)})
	}

	// Selected device unplugged: fall back to the system default,
	// never fail audio output silently.
	if selected != "" && !hasDevice(devices, selected) {
		log.Printf("Selected output device %q lost, falling back to default", selected)
		if err := m.config.Apply(""); err != nil {
			log.Printf("Fallback to default device failed: %v", err)
		} else {
			m.mu.Lock()
			m.selected = ""
			m.mu.Unlock()
		}
		m.emit(Event{Kind: EventDeviceLost, LostID: selected, Devices: append([]output.Device(nil), devices...)})
	}

	return append([]output.Device(nil), devices...), nil
}

// List returns the last enumerated device list
func (m *Manager) List() []output.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]output.Device(nil), m.devices...)
}

// Select retargets output onto the identified device. On failure the
// previous selection stays active and is returned unchanged.
func (m *Manager) Select(deviceID string) error {
	if deviceID != "" {
		m.mu.Lock()
		known := hasDevice(m.devices, deviceID)
		m.mu.Unlock()
		if !known {
			return ErrUnknownDevice
		}
	}

	if err := m.config.Apply(deviceID); err != nil {
		return err
	}

	m.mu.Lock()
	m.selected = deviceID
	m.mu.Unlock()
	return nil
}

// Selected returns the currently selected device ID ("" = default)
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Start begins hotplug polling
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := m.Refresh(); err != nil {
					log.Printf("Device refresh failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts hotplug polling
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
}

// Events returns the device event stream
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emit delivers an event without blocking the poll loop
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("Device event channel full, dropping %d", ev.Kind)
	}
}

func hasDevice(devices []output.Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

func sameDevices(a, b []output.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].Default != b[i].Default {
			return false
		}
	}
	return true
}
