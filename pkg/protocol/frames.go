// ABOUTME: Binary audio frame codec
// ABOUTME: Encodes and decodes sequence-numbered PCM frames on the wire
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// AudioFrameType is the binary message type ID for audio frames
	AudioFrameType = 4

	// AudioFrameHeaderSize is the fixed binary header length:
	// 1 type + 8 sequence + 1 bit depth + 1 channels + 4 sample rate + 3 reserved
	AudioFrameHeaderSize = 18
)

// Frame decode errors. Both are dropped-and-logged by the client, never
// surfaced as stream failures.
var (
	ErrShortFrame       = errors.New("audio frame too short")
	ErrUnknownFrameType = errors.New("unknown binary frame type")
)

// AudioFrame is a sequence-numbered chunk of encoded audio
type AudioFrame struct {
	Seq        uint64
	BitDepth   int
	Channels   int
	SampleRate int
	Payload    []byte
}

// EncodeAudioFrame serializes an audio frame for the wire
func EncodeAudioFrame(f AudioFrame) []byte {
	buf := make([]byte, AudioFrameHeaderSize+len(f.Payload))
	buf[0] = AudioFrameType
	binary.BigEndian.PutUint64(buf[1:9], f.Seq)
	buf[9] = byte(f.BitDepth)
	buf[10] = byte(f.Channels)
	binary.BigEndian.PutUint32(buf[11:15], uint32(f.SampleRate))
	copy(buf[AudioFrameHeaderSize:], f.Payload)
	return buf
}

// DecodeAudioFrame parses a binary wire message into an audio frame.
// The payload slice aliases data; callers own data once decoded.
func DecodeAudioFrame(data []byte) (AudioFrame, error) {
	if len(data) < AudioFrameHeaderSize {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if data[0] != AudioFrameType {
		return AudioFrame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, data[0])
	}

	return AudioFrame{
		Seq:        binary.BigEndian.Uint64(data[1:9]),
		BitDepth:   int(data[9]),
		Channels:   int(data[10]),
		SampleRate: int(binary.BigEndian.Uint32(data[11:15])),
		Payload:    data[AudioFrameHeaderSize:],
	}, nil
}
