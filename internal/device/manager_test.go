// ABOUTME: Tests for the output device manager
// ABOUTME: Covers ordering, selection rollback, and unplug fallback
package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio/output"
)

type fakeBackend struct {
	mu      sync.Mutex
	devices []output.Device
	applied []string
	failID  string
}

func (f *fakeBackend) enumerate() ([]output.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]output.Device(nil), f.devices...), nil
}

func (f *fakeBackend) apply(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "" && id == f.failID {
		return &output.OpenError{DeviceID: id, Err: errors.New("claim failed")}
	}
	f.applied = append(f.applied, id)
	return nil
}

func (f *fakeBackend) setDevices(devices []output.Device) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

func (f *fakeBackend) lastApplied() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return "", false
	}
	return f.applied[len(f.applied)-1], true
}

func newTestManager(backend *fakeBackend) *Manager {
	return NewManager(Config{
		Enumerate:    backend.enumerate,
		Apply:        backend.apply,
		PollInterval: 10 * time.Millisecond,
	})
}

func expectEvent(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", kind)
		}
	}
}

func TestRefreshOrdersDefaultFirst(t *testing.T) {
	backend := &fakeBackend{devices: []output.Device{
		{ID: "z", Name: "Zeta", Available: true},
		{ID: "d", Name: "Monitors", Default: true, Available: true},
		{ID: "a", Name: "Alpha", Available: true},
	}}
	m := newTestManager(backend)

	devices, err := m.Refresh()
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if devices[0].ID != "d" {
		t.Errorf("expected default device first, got %q", devices[0].ID)
	}
	if devices[1].Name != "Alpha" || devices[2].Name != "Zeta" {
		t.Errorf("expected alphabetical order after default: %v", devices)
	}

	expectEvent(t, m, EventListChanged)
}

func TestSelectUnknownDevice(t *testing.T) {
	backend := &fakeBackend{devices: []output.Device{{ID: "a", Name: "Alpha", Available: true}}}
	m := newTestManager(backend)
	m.Refresh()

	if err := m.Select("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestSelectRollsBackOnApplyFailure(t *testing.T) {
	backend := &fakeBackend{
		devices: []output.Device{
			{ID: "a", Name: "Alpha", Available: true},
			{ID: "b", Name: "Beta", Available: true},
		},
		failID: "b",
	}
	m := newTestManager(backend)
	m.Refresh()

	if err := m.Select("a"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := m.Select("b"); err == nil {
		t.Fatal("expected select to fail")
	}
	if m.Selected() != "a" {
		t.Errorf("expected previous selection retained, got %q", m.Selected())
	}
}

func TestUnplugFallsBackToDefault(t *testing.T) {
	backend := &fakeBackend{devices: []output.Device{
		{ID: "usb", Name: "USB DAC", Available: true},
		{ID: "sys", Name: "Speakers", Default: true, Available: true},
	}}
	m := newTestManager(backend)
	m.Refresh()

	if err := m.Select("usb"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	// Unplug the selected device
	backend.setDevices([]output.Device{
		{ID: "sys", Name: "Speakers", Default: true, Available: true},
	})
	m.Refresh()

	ev := expectEvent(t, m, EventDeviceLost)
	if ev.LostID != "usb" {
		t.Errorf("expected lost id usb, got %q", ev.LostID)
	}
	if m.Selected() != "" {
		t.Errorf("expected fallback to default, got %q", m.Selected())
	}
	if last, ok := backend.lastApplied(); !ok || last != "" {
		t.Errorf("expected default device applied, got %q", last)
	}
}

func TestPollingDetectsHotplug(t *testing.T) {
	backend := &fakeBackend{devices: []output.Device{
		{ID: "sys", Name: "Speakers", Default: true, Available: true},
	}}
	m := newTestManager(backend)
	m.Refresh()
	expectEvent(t, m, EventListChanged)

	m.Start()
	defer m.Stop()

	backend.setDevices([]output.Device{
		{ID: "sys", Name: "Speakers", Default: true, Available: true},
		{ID: "hdmi", Name: "HDMI Out", Available: true},
	})

	ev := expectEvent(t, m, EventListChanged)
	if len(ev.Devices) != 2 {
		t.Errorf("expected 2 devices after hotplug, got %d", len(ev.Devices))
	}
}
