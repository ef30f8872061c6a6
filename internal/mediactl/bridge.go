// ABOUTME: Media control bridge exposing playback to desktop integrations
// ABOUTME: Caches the latest snapshot and forwards transport commands
package mediactl

import (
	"sync"
	"time"

	"github.com/Sendspin/playercore-go/internal/state"
)

// Controls is the transport surface the bridge forwards to. The state
// controller satisfies it.
type Controls interface {
	Play()
	Pause()
	TogglePlay()
	Stop()
	Next()
	Previous()
	Seek(pos time.Duration)
	SetVolume(volume int)
	SetMuted(muted bool)
}

// Bridge adapts the controller to an MPRIS-shaped surface: synchronous
// state queries plus fire-and-forget commands. Integrations (D-Bus, media
// keys, a remote API) read Now() and call the command methods.
type Bridge struct {
	controls Controls

	mu   sync.RWMutex
	now  state.Snapshot
	stop chan struct{}
	done chan struct{}
}

// New creates a bridge consuming the given snapshot stream
func New(controls Controls, snapshots <-chan state.Snapshot) *Bridge {
	b := &Bridge{
		controls: controls,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.follow(snapshots)
	return b
}

func (b *Bridge) follow(snapshots <-chan state.Snapshot) {
	defer close(b.done)
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			b.mu.Lock()
			b.now = snap
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Now returns the latest playback snapshot
func (b *Bridge) Now() state.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.now
}

// PlaybackStatus returns the MPRIS playback status string
func (b *Bridge) PlaybackStatus() string {
	switch b.Now().State {
	case state.StatePlaying, state.StateLoading:
		return "Playing"
	case state.StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// CanGoNext reports whether a next track exists in the queue
func (b *Bridge) CanGoNext() bool {
	now := b.Now()
	return now.QueueLength > 0 && now.QueueIndex < now.QueueLength-1
}

// CanGoPrevious reports whether previous makes sense right now
func (b *Bridge) CanGoPrevious() bool {
	now := b.Now()
	return now.QueueIndex > 0 || now.Elapsed > 0
}

func (b *Bridge) Play()                         { b.controls.Play() }
func (b *Bridge) Pause()                        { b.controls.Pause() }
func (b *Bridge) PlayPause()                    { b.controls.TogglePlay() }
func (b *Bridge) Stop()                         { b.controls.Stop() }
func (b *Bridge) Next()                         { b.controls.Next() }
func (b *Bridge) Previous()                     { b.controls.Previous() }
func (b *Bridge) SetPosition(pos time.Duration) { b.controls.Seek(pos) }
func (b *Bridge) SetVolume(volume int)          { b.controls.SetVolume(volume) }
func (b *Bridge) SetMuted(muted bool)           { b.controls.SetMuted(muted) }

// Close detaches the bridge from the snapshot stream
func (b *Bridge) Close() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
}
