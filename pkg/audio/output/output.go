// ABOUTME: Audio sink interface definition
// ABOUTME: Common interface for audio playback backends and device listing
package output

import (
	"errors"

	"github.com/Sendspin/playercore-go/pkg/audio"
)

// Sink is an audio output owned by exactly one pipeline at a time.
type Sink interface {
	// Open claims the device and prepares it for the given stream format.
	// An empty deviceID selects the system default device.
	Open(deviceID string, format audio.Format) error

	// Write queues samples for playback, blocking while the device buffer
	// is full. Gain (volume/mute) is applied at write time.
	Write(samples []int32) error

	// Pending returns the number of samples queued but not yet played.
	Pending() int

	// Close releases the device.
	Close() error

	SetVolume(volume int)
	SetMuted(muted bool)
	Volume() int
	Muted() bool
}

// Device describes an available output device.
type Device struct {
	ID        string
	Name      string
	Default   bool
	Available bool
}

// ErrNotOpen is returned by Write before a successful Open.
var ErrNotOpen = errors.New("output not initialized")

// ErrEnumerationUnsupported is returned by backends that can only target
// the system default device.
var ErrEnumerationUnsupported = errors.New("device enumeration not supported by this backend")

// OpenError reports a failed device open/claim. The caller must keep the
// previously active device; there is no silent fallback.
type OpenError struct {
	DeviceID string
	Err      error
}

func (e *OpenError) Error() string {
	if e.DeviceID == "" {
		return "failed to open default output device: " + e.Err.Error()
	}
	return "failed to open output device " + e.DeviceID + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error { return e.Err }

// applyGain applies volume and mute to samples with clipping protection
func applyGain(samples []int32, volume int, muted bool) []int32 {
	multiplier := gainMultiplier(volume, muted)

	result := make([]int32, len(samples))
	for i, sample := range samples {
		scaled := int64(float64(sample) * multiplier)

		// Clamp to 24-bit range to prevent overflow
		if scaled > audio.Max24Bit {
			scaled = audio.Max24Bit
		} else if scaled < audio.Min24Bit {
			scaled = audio.Min24Bit
		}

		result[i] = int32(scaled)
	}

	return result
}

// gainMultiplier calculates the gain multiplier
func gainMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}

// clampVolume clamps a volume value to 0-100
func clampVolume(volume int) int {
	if volume < 0 {
		return 0
	}
	if volume > 100 {
		return 100
	}
	return volume
}
