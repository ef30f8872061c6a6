// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, Frame types and sample conversion functions
// Package audio provides fundamental audio types for the player core.
//
// This package defines the types shared by the streaming client, the
// playback pipeline, and the output sinks:
//   - Format: describes a stream (codec, sample rate, channels, bit depth)
//   - Frame: a decoded PCM chunk tagged with its wire sequence number
//
// It also provides utilities for converting between sample widths:
//   - 16-bit ↔ 24-bit conversions
//   - int32 ↔ packed byte conversions
//
// Example:
//
//	format := audio.Format{
//	    Codec:      "pcm",
//	    SampleRate: 48000,
//	    Channels:   2,
//	    BitDepth:   16,
//	}
//
//	// Convert 16-bit sample to 24-bit range
//	sample24 := audio.SampleFromInt16(sample16)
package audio
