// ABOUTME: Audio decoding package for stream codecs
// ABOUTME: Provides PCM, MP3, and Opus decoders behind a common interface
// Package decode provides audio decoders that convert wire payloads to
// int32 PCM samples. PCM is the primary stream codec; MP3 and Opus are
// negotiated fallbacks.
package decode
