// ABOUTME: MP3 audio decoder
// ABOUTME: Decodes self-contained MP3 segments to int32 samples
package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// MP3Decoder decodes MP3 audio. Each chunk on the wire must be a
// self-contained MP3 segment starting at a frame boundary.
type MP3Decoder struct {
	format audio.Format
}

// NewMP3 creates a new MP3 decoder
func NewMP3(format audio.Format) (Decoder, error) {
	if format.Codec != "mp3" {
		return nil, fmt.Errorf("invalid codec for MP3 decoder: %s", format.Codec)
	}

	return &MP3Decoder{format: format}, nil
}

// Decode converts an MP3 segment to int32 samples
func (d *MP3Decoder) Decode(data []byte) ([]int32, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}

	// go-mp3 outputs 16-bit little-endian stereo
	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode error: %w", err)
	}

	numSamples := len(raw) / 2
	samples := make([]int32, numSamples)
	for i := 0; i < numSamples; i++ {
		sample16 := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = audio.SampleFromInt16(sample16)
	}

	return samples, nil
}

// Close releases decoder resources
func (d *MP3Decoder) Close() error {
	return nil
}
