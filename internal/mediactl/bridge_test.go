// ABOUTME: Tests for the media control bridge
// ABOUTME: Covers snapshot following, status mapping, and command forwarding
package mediactl

import (
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playercore-go/internal/state"
)

type fakeControls struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeControls) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeControls) Play()                  { f.record("play") }
func (f *fakeControls) Pause()                 { f.record("pause") }
func (f *fakeControls) TogglePlay()            { f.record("toggle") }
func (f *fakeControls) Stop()                  { f.record("stop") }
func (f *fakeControls) Next()                  { f.record("next") }
func (f *fakeControls) Previous()              { f.record("previous") }
func (f *fakeControls) Seek(pos time.Duration) { f.record("seek") }
func (f *fakeControls) SetVolume(volume int)   { f.record("volume") }
func (f *fakeControls) SetMuted(muted bool)    { f.record("mute") }

func (f *fakeControls) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestBridgeFollowsSnapshots(t *testing.T) {
	snapshots := make(chan state.Snapshot, 1)
	b := New(&fakeControls{}, snapshots)
	defer b.Close()

	snapshots <- state.Snapshot{State: state.StatePlaying, TrackID: "track-1", Title: "Song"}

	deadline := time.Now().Add(2 * time.Second)
	for b.Now().TrackID != "track-1" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	now := b.Now()
	if now.Title != "Song" {
		t.Errorf("expected snapshot followed, got %+v", now)
	}
	if b.PlaybackStatus() != "Playing" {
		t.Errorf("expected Playing status, got %q", b.PlaybackStatus())
	}
}

func TestPlaybackStatusMapping(t *testing.T) {
	tests := []struct {
		in   state.PlaybackState
		want string
	}{
		{state.StatePlaying, "Playing"},
		{state.StateLoading, "Playing"},
		{state.StatePaused, "Paused"},
		{state.StateStopped, "Stopped"},
		{state.StateIdle, "Stopped"},
		{state.StateError, "Stopped"},
	}

	for _, tt := range tests {
		snapshots := make(chan state.Snapshot, 1)
		b := New(&fakeControls{}, snapshots)
		snapshots <- state.Snapshot{State: tt.in}

		deadline := time.Now().Add(time.Second)
		for b.Now().State != tt.in && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := b.PlaybackStatus(); got != tt.want {
			t.Errorf("status for %v = %q, want %q", tt.in, got, tt.want)
		}
		b.Close()
	}
}

func TestQueueCapabilities(t *testing.T) {
	snapshots := make(chan state.Snapshot, 1)
	b := New(&fakeControls{}, snapshots)
	defer b.Close()

	snapshots <- state.Snapshot{QueueIndex: 2, QueueLength: 5, Elapsed: time.Second}
	deadline := time.Now().Add(time.Second)
	for b.Now().QueueLength != 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !b.CanGoNext() {
		t.Error("expected CanGoNext mid-queue")
	}
	if !b.CanGoPrevious() {
		t.Error("expected CanGoPrevious mid-queue")
	}
}

func TestCommandsForward(t *testing.T) {
	controls := &fakeControls{}
	b := New(controls, make(chan state.Snapshot))
	defer b.Close()

	b.Play()
	b.PlayPause()
	b.Next()
	b.SetPosition(time.Second)
	b.SetVolume(30)

	want := []string{"play", "toggle", "next", "seek", "volume"}
	got := controls.got()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
