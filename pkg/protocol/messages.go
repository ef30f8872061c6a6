// ABOUTME: Sendspin control message type definitions
// ABOUTME: Defines JSON payload structs for every control frame on the wire
package protocol

// Message is the top-level wrapper for all JSON control frames
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Control frame types.
const (
	TypeClientHello   = "client/hello"
	TypeServerHello   = "server/hello"
	TypeClientState   = "client/state"
	TypeClientGoodbye = "client/goodbye"
	TypeClientTime    = "client/time"
	TypeServerTime    = "server/time"
	TypeServerCommand = "server/command"
	TypeServerError   = "server/error"
	TypeSessionUpdate = "session/update"
	TypeStreamStart   = "stream/start"
	TypeStreamClear   = "stream/clear"
	TypeStreamEnd     = "stream/end"
	TypeStreamRequest = "stream/request"
)

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID          string        `json:"client_id"`
	Name              string        `json:"name"`
	Version           int           `json:"version"`
	DeviceInfo        *DeviceInfo   `json:"device_info,omitempty"`
	SupportedFormats  []AudioFormat `json:"supported_formats"`
	BufferCapacity    int           `json:"buffer_capacity"`
	SupportedCommands []string      `json:"supported_commands"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// AudioFormat describes a supported audio format
type AudioFormat struct {
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ClientState reports the player's current state
type ClientState struct {
	State  string `json:"state"` // "synchronized" or "error"
	Volume int    `json:"volume"`
	Muted  bool   `json:"muted"`
}

// ClientGoodbye is sent before graceful disconnect
type ClientGoodbye struct {
	Reason string `json:"reason"` // "shutdown", "restart", "user_request"
}

// ClientTime is sent for clock synchronization
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"` // Client timestamp in microseconds
}

// ServerTime is the response to client/time
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"` // Echoed client timestamp
	ServerReceived    int64 `json:"server_received"`    // Server receive timestamp
	ServerTransmitted int64 `json:"server_transmitted"` // Server send timestamp
}

// Transport commands carried by server/command and stream/request.
const (
	CommandPlay     = "play"
	CommandPause    = "pause"
	CommandStop     = "stop"
	CommandSeek     = "seek"
	CommandNext     = "next"
	CommandPrevious = "previous"
	CommandVolume   = "volume"
	CommandMute     = "mute"
)

// ServerCommand is a transport control command pushed by the server
type ServerCommand struct {
	Command    string `json:"command"`
	PositionMs int64  `json:"position_ms,omitempty"` // for seek
	Volume     int    `json:"volume,omitempty"`      // for volume
	Mute       bool   `json:"mute,omitempty"`        // for mute
}

// ServerError reports a server-side failure. Code "auth_rejected" is
// non-retryable; everything else is treated as transient.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrorCodeAuthRejected marks a rejected bearer token.
const ErrorCodeAuthRejected = "auth_rejected"

// SessionUpdate carries the server's authoritative view of the playback
// queue. Track identity and queue position are authoritative; elapsed time
// is advisory and reconciled against locally rendered progress.
type SessionUpdate struct {
	TrackID       string `json:"track_id"`
	QueueIndex    int    `json:"queue_index"`
	QueueLength   int    `json:"queue_length"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	DurationMs    int64  `json:"duration_ms"`    // 0 = unknown
	PlaybackState string `json:"playback_state"` // "playing", "paused", "stopped"
	Timestamp     int64  `json:"timestamp"`      // server clock µs when the view was valid
	Title         string `json:"title,omitempty"`
	Artist        string `json:"artist,omitempty"`
	Album         string `json:"album,omitempty"`
}

// StreamStart notifies the client of the negotiated stream format
type StreamStart struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// StreamClear instructs the client to flush buffered audio (seek/advance)
type StreamClear struct {
	NextSeq uint64 `json:"next_seq"` // first sequence number after the flush
}

// StreamEnd ends the active stream
type StreamEnd struct {
	Reason string `json:"reason,omitempty"`
}

// StreamRequest asks the server to reposition the stream (client-initiated
// seek). The server answers with stream/clear followed by frames at the
// new position.
type StreamRequest struct {
	Command    string `json:"command"`
	PositionMs int64  `json:"position_ms"`
}
