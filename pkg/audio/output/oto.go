// ABOUTME: Oto-based fallback audio sink
// ABOUTME: Plays through the system default device; no enumeration support
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/ebitengine/oto/v3"
)

// Oto is a Sink backed by the oto library. It only targets the system
// default device, and oto allows a single context per process, so it is
// the fallback backend where malgo is unavailable.
type Oto struct {
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	format     audio.Format
	volume     int
	muted      bool
	ready      bool
}

// NewOto creates an unopened oto sink
func NewOto() *Oto {
	return &Oto{volume: 100}
}

// Open initializes the default output device. Non-empty device IDs are
// rejected rather than silently redirected to the default device.
func (o *Oto) Open(deviceID string, format audio.Format) error {
	if deviceID != "" {
		return &OpenError{DeviceID: deviceID, Err: ErrEnumerationUnsupported}
	}

	// oto only supports 16-bit output
	if format.BitDepth != 16 {
		log.Printf("Warning: oto only supports 16-bit output, ignoring requested bitDepth=%d", format.BitDepth)
	}

	if o.otoCtx != nil && o.format.SampleRate == format.SampleRate && o.format.Channels == format.Channels {
		log.Printf("Audio output already initialized with same format, reusing context")
		return nil
	}

	// oto doesn't support reinitialization; keep the existing context on
	// format change rather than failing the stream
	if o.otoCtx != nil {
		log.Printf("Warning: format change detected (%dHz %dch -> %dHz %dch) but oto doesn't support reinitialization. Continuing with existing context.",
			o.format.SampleRate, o.format.Channels, format.SampleRate, format.Channels)
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return &OpenError{Err: fmt.Errorf("failed to create oto context: %w", err)}
	}

	<-readyChan

	o.otoCtx = ctx
	o.format = format

	// Pipe-fed persistent player for continuous streaming
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()

	o.ready = true

	log.Printf("Audio output initialized: %dHz, %d channels (oto)", format.SampleRate, format.Channels)

	return nil
}

// Write outputs audio samples (blocks until written)
func (o *Oto) Write(samples []int32) error {
	if !o.ready {
		return ErrNotOpen
	}

	gained := applyGain(samples, o.volume, o.muted)

	// oto consumes 16-bit little-endian bytes
	out := make([]byte, len(gained)*2)
	for i, sample := range gained {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(audio.SampleToInt16(sample)))
	}

	if _, err := o.pipeWriter.Write(out); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}

	return nil
}

// Pending returns buffered bytes as samples; oto exposes only the
// player-side count.
func (o *Oto) Pending() int {
	if o.player == nil {
		return 0
	}
	return o.player.BufferedSize() / 2
}

// Close releases output resources
func (o *Oto) Close() error {
	o.ready = false
	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	return nil
}

// SetVolume sets the volume (0-100)
func (o *Oto) SetVolume(volume int) {
	o.volume = clampVolume(volume)
}

// SetMuted sets mute state
func (o *Oto) SetMuted(muted bool) {
	o.muted = muted
}

// Volume returns current volume
func (o *Oto) Volume() int { return o.volume }

// Muted returns mute state
func (o *Oto) Muted() bool { return o.muted }
