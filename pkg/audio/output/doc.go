// ABOUTME: Audio output package providing sink backends
// ABOUTME: Malgo primary (device selection), oto fallback (default only)
// Package output provides audio sink backends behind a common Sink
// interface. The malgo backend supports device enumeration and opening a
// specific device; the oto backend targets the system default device only.
package output
