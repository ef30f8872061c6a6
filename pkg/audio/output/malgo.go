// ABOUTME: Malgo-based audio sink with device selection
// ABOUTME: Uses miniaudio via malgo for enumeration and hi-res playback
package output

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Malgo is a Sink backed by the malgo/miniaudio library. Each instance
// owns its own context and at most one device, so device retargeting is
// a hand-off between two instances rather than shared access.
type Malgo struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	format   audio.Format
	deviceID string
	volume   int
	muted    bool
	ready    bool

	// Ring buffer feeding the device data callback
	ringBuffer *RingBuffer
	mu         sync.Mutex
}

// NewMalgo creates an unopened malgo sink
func NewMalgo() *Malgo {
	return &Malgo{volume: 100}
}

// Devices enumerates playback devices using a transient context.
// The system default device is first, the rest sorted by name.
func Devices() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:        info.ID.String(),
			Name:      info.Name(),
			Default:   info.IsDefault != 0,
			Available: true,
		})
	}
	SortDevices(devices)
	return devices, nil
}

// SortDevices orders a device list for deterministic presentation:
// system default first, then by display name.
func SortDevices(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Default != devices[j].Default {
			return devices[i].Default
		}
		return devices[i].Name < devices[j].Name
	})
}

// Open claims the device identified by deviceID ("" = system default).
// A failed open leaves no half-initialized device behind.
func (m *Malgo) Open(deviceID string, format audio.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("sink already open on device %q", m.deviceID)}
	}
	if !format.Valid() {
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("invalid stream format: %+v", format)}
	}

	var malgoFormat malgo.FormatType
	switch format.BitDepth {
	case 16:
		malgoFormat = malgo.FormatS16
	case 24:
		malgoFormat = malgo.FormatS24
	case 32:
		malgoFormat = malgo.FormatS32
	default:
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("unsupported bit depth: %d (supported: 16, 24, 32)", format.BitDepth)}
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("failed to initialize context: %w", err)}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgoFormat
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" {
		infos, err := ctx.Devices(malgo.Playback)
		if err != nil {
			_ = ctx.Uninit()
			ctx.Free()
			return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("failed to enumerate devices: %w", err)}
		}
		found := false
		for i := range infos {
			if infos[i].ID.String() == deviceID {
				id := infos[i].ID
				deviceConfig.Playback.DeviceID = id.Pointer()
				found = true
				break
			}
		}
		if !found {
			_ = ctx.Uninit()
			ctx.Free()
			return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("device not present")}
		}
	}

	// 500ms of buffered samples between Write and the data callback
	bufferSamples := (format.SampleRate * format.Channels * 500) / 1000
	m.ringBuffer = NewRingBuffer(bufferSamples)
	m.format = format

	deviceCallbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSample, pInputSamples []byte, frameCount uint32) {
			m.dataCallback(pOutputSample, frameCount)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, deviceCallbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("failed to initialize playback device: %w", err)}
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return &OpenError{DeviceID: deviceID, Err: fmt.Errorf("failed to start device: %w", err)}
	}

	m.malgoCtx = ctx
	m.device = device
	m.deviceID = deviceID
	m.ready = true

	log.Printf("Audio output opened: %dHz, %d channels, %d-bit (device=%q)",
		format.SampleRate, format.Channels, format.BitDepth, deviceID)

	return nil
}

// Write queues samples, blocking while the device ring buffer is full.
// This blocking is what paces the pipeline to the device clock.
func (m *Malgo) Write(samples []int32) error {
	if !m.ready {
		return ErrNotOpen
	}

	gained := applyGain(samples, m.volume, m.muted)

	written := 0
	for written < len(gained) {
		n := m.ringBuffer.Write(gained[written:])
		written += n
		if n == 0 {
			if !m.ready {
				return ErrNotOpen
			}
			// Ring full; wait for the callback to drain
			time.Sleep(5 * time.Millisecond)
		}
	}

	return nil
}

// Pending returns samples queued but not yet consumed by the device
func (m *Malgo) Pending() int {
	if m.ringBuffer == nil {
		return 0
	}
	return m.ringBuffer.Available()
}

// dataCallback is called by malgo to fill the device output buffer
func (m *Malgo) dataCallback(pOutput []byte, frameCount uint32) {
	totalSamples := int(frameCount) * m.format.Channels
	samples := make([]int32, totalSamples)

	// Zero-filled on underrun; the pipeline detects and reports underruns
	m.ringBuffer.Read(samples)

	switch m.format.BitDepth {
	case 16:
		for i, sample := range samples {
			sample16 := audio.SampleToInt16(sample)
			pOutput[i*2] = byte(sample16)
			pOutput[i*2+1] = byte(sample16 >> 8)
		}
	case 24:
		for i, sample := range samples {
			b := audio.SampleTo24Bit(sample)
			pOutput[i*3] = b[0]
			pOutput[i*3+1] = b[1]
			pOutput[i*3+2] = b[2]
		}
	case 32:
		for i, sample := range samples {
			sample32 := sample << 8 // 24-bit value into the upper bits
			pOutput[i*4] = byte(sample32)
			pOutput[i*4+1] = byte(sample32 >> 8)
			pOutput[i*4+2] = byte(sample32 >> 16)
			pOutput[i*4+3] = byte(sample32 >> 24)
		}
	}
}

// Close releases the device and context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready = false

	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			log.Printf("Warning: device stop error: %v", err)
		}
		m.device.Uninit()
		m.device = nil
	}

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Printf("Warning: malgo context uninit error: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}

	return nil
}

// SetVolume sets the volume (0-100)
func (m *Malgo) SetVolume(volume int) {
	m.volume = clampVolume(volume)
}

// SetMuted sets mute state
func (m *Malgo) SetMuted(muted bool) {
	m.muted = muted
}

// Volume returns current volume
func (m *Malgo) Volume() int { return m.volume }

// Muted returns mute state
func (m *Malgo) Muted() bool { return m.muted }

// DeviceID returns the device this sink was opened against
func (m *Malgo) DeviceID() string { return m.deviceID }
