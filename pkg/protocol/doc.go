// ABOUTME: Package documentation for the wire protocol
// ABOUTME: Describes control frames and binary audio framing
// Package protocol defines the Sendspin wire format spoken between the
// player core and a music server: JSON control frames wrapped in a typed
// Message envelope, and binary audio frames carrying sequence-numbered
// PCM chunks.
//
// Control frames flow both directions (hello/state/command/time); audio
// frames flow server→client only. Audio frames are tagged with a
// monotonically increasing sequence number so the client can drop
// duplicates and reordered frames instead of rendering corrupt audio.
package protocol
