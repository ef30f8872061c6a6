// ABOUTME: WebSocket client for Sendspin server communication
// ABOUTME: Handles connection, handshake, reconnect, and message routing
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/Sendspin/playercore-go/pkg/audio/decode"
	"github.com/Sendspin/playercore-go/pkg/backoff"
	"github.com/Sendspin/playercore-go/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventKind identifies a client event
type EventKind int

const (
	// EventConnected fires after a successful handshake, both on the
	// initial connect and after every reconnect.
	EventConnected EventKind = iota
	// EventReconnecting fires before each reconnect attempt
	EventReconnecting
	// EventConnectionLost fires when the retry budget is exhausted or the
	// server rejects authentication mid-session. Terminal for this client.
	EventConnectionLost
	// EventCommand carries a server transport command
	EventCommand
	// EventSession carries the server's authoritative queue view
	EventSession
	// EventStreamStart announces the negotiated stream format
	EventStreamStart
	// EventStreamClear instructs a buffer flush before repositioned frames
	EventStreamClear
	// EventStreamEnd marks the end of the active stream
	EventStreamEnd
	// EventServerError carries a non-fatal server error report
	EventServerError
)

// Event is a typed control notification. Events are delivered on a single
// channel in receipt order; the state controller consumes them serially.
type Event struct {
	Kind    EventKind
	Command protocol.ServerCommand
	Session protocol.SessionUpdate
	Stream  protocol.StreamStart
	Clear   protocol.StreamClear
	Error   protocol.ServerError
	Attempt int
	Err     error
}

// FrameSink receives decoded audio frames. Push may block; that blocking
// stalls the read loop and is the client's backpressure toward the server.
type FrameSink interface {
	Push(frame audio.Frame) error
}

// Config holds client configuration
type Config struct {
	Endpoint string // host:port or ws(s):// / http(s):// URL
	Token    string // bearer token, empty for open servers
	ClientID string // generated when empty
	Name     string
	Version  int

	DeviceInfo       protocol.DeviceInfo
	SupportedFormats []protocol.AudioFormat
	BufferCapacity   int // buffered audio capacity in ms, advertised in hello

	Backoff           backoff.Policy
	HeartbeatInterval time.Duration // client/state cadence (default 10s)
	Debug             bool
}

// Stats tracks client counters
type Stats struct {
	FramesReceived int64
	FramesDropped  int64 // out-of-order or duplicate sequence numbers
	Reconnects     int64
}

// Client maintains the persistent connection to a Sendspin server. Control
// frames are surfaced on Events; audio frames are decoded and pushed into
// the configured FrameSink from the read goroutine.
type Client struct {
	config Config
	frames FrameSink

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	closed    bool
	lastState protocol.ClientState

	decoder decode.Decoder
	format  audio.Format
	lastSeq uint64
	hasSeq  bool
	stats   Stats

	events       chan Event
	timeSyncResp chan protocol.ServerTime

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Frames may be nil until SetFrameSink is
// called; audio received in the meantime is dropped.
func NewClient(config Config, frames FrameSink) *Client {
	if config.ClientID == "" {
		config.ClientID = GenerateClientID()
	}
	if config.Name == "" {
		config.Name = "Sendspin Player"
	}
	if config.Version == 0 {
		config.Version = 1
	}
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = DefaultFormats()
	}
	if config.BufferCapacity == 0 {
		config.BufferCapacity = 500
	}
	if config.Backoff.Base == 0 {
		config.Backoff = backoff.Default()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}

	return &Client{
		config:       config,
		frames:       frames,
		lastState:    protocol.ClientState{State: "synchronized", Volume: 100},
		events:       make(chan Event, 64),
		timeSyncResp: make(chan protocol.ServerTime, 10),
	}
}

// GenerateClientID returns a fresh persistent-looking client identifier
func GenerateClientID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sendspin_go_" + raw[:10]
}

// DefaultFormats lists the codecs this player can decode, preferred first
func DefaultFormats() []protocol.AudioFormat {
	return []protocol.AudioFormat{
		{Codec: "pcm", Channels: 2, SampleRate: 48000, BitDepth: 24},
		{Codec: "pcm", Channels: 2, SampleRate: 48000, BitDepth: 16},
		{Codec: "pcm", Channels: 2, SampleRate: 44100, BitDepth: 16},
		{Codec: "opus", Channels: 2, SampleRate: 48000, BitDepth: 16},
		{Codec: "mp3", Channels: 2, SampleRate: 44100, BitDepth: 16},
	}
}

// SetEndpoint replaces the server endpoint. Only valid before Connect;
// used when discovery supplies the address after construction.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	c.config.Endpoint = endpoint
	c.mu.Unlock()
}

// SetFrameSink installs the destination for decoded audio frames
func (c *Client) SetFrameSink(frames FrameSink) {
	c.mu.Lock()
	c.frames = frames
	c.mu.Unlock()
}

// Connect dials the server and performs the hello handshake. On success a
// supervisor goroutine owns the connection: it reads messages, reconnects
// with backoff after a loss, and reports terminal failure on Events. The
// initial dial failure is returned directly so callers can distinguish a
// bad endpoint or rejected token from a mid-session drop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client already connected or closed")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.ctx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnected})
	go c.run(runCtx)
	go c.heartbeatLoop(runCtx)

	return nil
}

// dial opens the socket and completes the handshake, classifying failures
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := endpointURL(c.config.Endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: c.config.Endpoint, Retryable: false, Err: err}
	}
	log.Printf("Connecting to %s", u)

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ConnectError{Endpoint: c.config.Endpoint, Retryable: false, Err: ErrAuthRejected}
		}
		return nil, &ConnectError{Endpoint: c.config.Endpoint, Retryable: true, Err: err}
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, &ConnectError{
			Endpoint:  c.config.Endpoint,
			Retryable: !errors.Is(err, ErrAuthRejected),
			Err:       err,
		}
	}

	return conn, nil
}

// endpointURL normalizes host:port or http(s) URLs into a ws(s) URL
func endpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty server endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid server endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sendspin"
	}
	return u.String(), nil
}

// handshake performs the hello exchange on a fresh connection
func (c *Client) handshake(conn *websocket.Conn) error {
	hello := protocol.ClientHello{
		ClientID:          c.config.ClientID,
		Name:              c.config.Name,
		Version:           c.config.Version,
		DeviceInfo:        &c.config.DeviceInfo,
		SupportedFormats:  c.config.SupportedFormats,
		BufferCapacity:    c.config.BufferCapacity,
		SupportedCommands: []string{"play", "pause", "stop", "seek", "next", "previous", "volume", "mute"},
	}

	if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	if msg.Type == protocol.TypeServerError {
		var serverErr protocol.ServerError
		payloadBytes, _ := json.Marshal(msg.Payload)
		json.Unmarshal(payloadBytes, &serverErr)
		if serverErr.Code == protocol.ErrorCodeAuthRejected {
			return ErrAuthRejected
		}
		return fmt.Errorf("server error during handshake: %s", serverErr.Code)
	}
	if msg.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected server/hello, got %s", msg.Type)
	}

	log.Printf("Handshake complete with server")
	return nil
}

// run owns the connection: it reads until the socket drops, then cycles
// through backoff-paced reconnect attempts. Runs on its own goroutine.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("Connection lost: %v", err)

		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.mu.Unlock()

		// A rejected token is terminal: redialing with the same token
		// cannot succeed, so no backoff cycle follows.
		if errors.Is(err, ErrAuthRejected) {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries the dial with exponential backoff. Returns true once a
// new connection is live, false when the budget is exhausted, the token is
// rejected, or the client is shutting down.
func (c *Client) reconnect(ctx context.Context) bool {
	attempts := 0
	for {
		attempts++
		delay := c.config.Backoff.Delay(attempts - 1)
		c.emit(Event{Kind: EventReconnecting, Attempt: attempts})
		log.Printf("Reconnecting in %v (attempt %d)", delay, attempts)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.connected = true
			c.hasSeq = false // server restarts sequence numbering per connection
			c.stats.Reconnects++
			c.mu.Unlock()

			c.emit(Event{Kind: EventConnected})
			return true
		}

		var connErr *ConnectError
		if errors.As(err, &connErr) && !connErr.Retryable {
			log.Printf("Reconnect refused: %v", err)
			c.emit(Event{Kind: EventConnectionLost, Err: connErr.Err})
			return false
		}

		log.Printf("Reconnect attempt %d failed: %v", attempts, err)
		if c.config.Backoff.Exhausted(attempts) {
			log.Printf("Retry budget exhausted after %d attempts", attempts)
			c.emit(Event{Kind: EventConnectionLost, Err: ErrConnectionLost})
			return false
		}
	}
}

// readLoop reads and routes messages until the connection fails
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinaryMessage(data)
		case websocket.TextMessage:
			if err := c.handleJSONMessage(ctx, data); err != nil {
				return err
			}
		}
	}
}

// handleBinaryMessage decodes an audio frame and pushes it downstream.
// Out-of-order and duplicate sequence numbers are dropped and counted;
// Push blocking here stalls the read loop, which is the intended wire
// backpressure.
func (c *Client) handleBinaryMessage(data []byte) {
	frame, err := protocol.DecodeAudioFrame(data)
	if err != nil {
		log.Printf("Invalid audio frame: %v", err)
		return
	}

	c.mu.Lock()
	if c.hasSeq && frame.Seq <= c.lastSeq {
		c.stats.FramesDropped++
		if c.config.Debug {
			log.Printf("Dropped out-of-order frame: seq=%d last=%d", frame.Seq, c.lastSeq)
		}
		c.mu.Unlock()
		return
	}
	decoder := c.decoder
	sink := c.frames
	c.mu.Unlock()

	if decoder == nil || sink == nil {
		return
	}

	samples, err := decoder.Decode(frame.Payload)
	if err != nil {
		// Gate stays where it was: a retransmit of this sequence number
		// is still welcome.
		log.Printf("Decode error on frame %d: %v", frame.Seq, err)
		return
	}

	c.mu.Lock()
	c.lastSeq = frame.Seq
	c.hasSeq = true
	c.stats.FramesReceived++
	c.mu.Unlock()

	out := audio.Frame{
		Seq: frame.Seq,
		Format: audio.Format{
			Codec:      "pcm",
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
			BitDepth:   frame.BitDepth,
		},
		Samples: samples,
	}
	if err := sink.Push(out); err != nil {
		log.Printf("Frame push failed: %v", err)
	}
}

// handleJSONMessage routes control frames onto the ordered event channel.
// Returns an error only for conditions that must tear the connection down.
func (c *Client) handleJSONMessage(ctx context.Context, data []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse JSON message: %v", err)
		return nil
	}

	payloadBytes, _ := json.Marshal(msg.Payload)

	switch msg.Type {
	case protocol.TypeServerCommand:
		var cmd protocol.ServerCommand
		json.Unmarshal(payloadBytes, &cmd)
		c.deliver(ctx, Event{Kind: EventCommand, Command: cmd})

	case protocol.TypeSessionUpdate:
		var update protocol.SessionUpdate
		json.Unmarshal(payloadBytes, &update)
		c.deliver(ctx, Event{Kind: EventSession, Session: update})

	case protocol.TypeStreamStart:
		var start protocol.StreamStart
		json.Unmarshal(payloadBytes, &start)
		if err := c.openDecoder(start); err != nil {
			log.Printf("Unsupported stream format: %v", err)
			return nil
		}
		c.deliver(ctx, Event{Kind: EventStreamStart, Stream: start})

	case protocol.TypeStreamClear:
		var clear protocol.StreamClear
		json.Unmarshal(payloadBytes, &clear)
		c.mu.Lock()
		c.hasSeq = false
		c.mu.Unlock()
		c.deliver(ctx, Event{Kind: EventStreamClear, Clear: clear})

	case protocol.TypeStreamEnd:
		c.deliver(ctx, Event{Kind: EventStreamEnd})

	case protocol.TypeServerTime:
		var timeMsg protocol.ServerTime
		json.Unmarshal(payloadBytes, &timeMsg)
		select {
		case c.timeSyncResp <- timeMsg:
		default:
		}

	case protocol.TypeServerError:
		var serverErr protocol.ServerError
		json.Unmarshal(payloadBytes, &serverErr)
		if serverErr.Code == protocol.ErrorCodeAuthRejected {
			c.emit(Event{Kind: EventConnectionLost, Err: ErrAuthRejected})
			return ErrAuthRejected
		}
		c.deliver(ctx, Event{Kind: EventServerError, Error: serverErr})

	default:
		if c.config.Debug {
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
	return nil
}

// openDecoder builds a decoder for the announced stream format
func (c *Client) openDecoder(start protocol.StreamStart) error {
	format := audio.Format{
		Codec:      start.Codec,
		SampleRate: start.SampleRate,
		Channels:   start.Channels,
		BitDepth:   start.BitDepth,
	}

	dec, err := decode.New(format)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.decoder != nil {
		c.decoder.Close()
	}
	c.decoder = dec
	c.format = format
	c.mu.Unlock()
	return nil
}

// deliver queues a control event in receipt order. Blocks rather than
// reorders: the consumer is the state controller's single event loop.
func (c *Client) deliver(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// emit sends lifecycle events without blocking the supervisor
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("Client event channel full, dropping %d", ev.Kind)
	}
}

// heartbeatLoop re-reports the last known state on a fixed cadence so the
// server can evict silent clients.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			state := c.lastState
			connected := c.connected
			c.mu.Unlock()
			if !connected {
				continue
			}
			if err := c.SendState(state); err != nil {
				log.Printf("Heartbeat send failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendJSON writes a control frame on the active connection
func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// SendState reports player state; it also becomes the heartbeat payload
func (c *Client) SendState(state protocol.ClientState) error {
	c.mu.Lock()
	c.lastState = state
	c.mu.Unlock()
	return c.sendJSON(protocol.Message{Type: protocol.TypeClientState, Payload: state})
}

// SendCommand forwards a locally initiated transport command
func (c *Client) SendCommand(cmd protocol.ServerCommand) error {
	return c.sendJSON(protocol.Message{Type: protocol.TypeServerCommand, Payload: cmd})
}

// RequestSeek asks the server to reposition the stream
func (c *Client) RequestSeek(positionMs int64) error {
	return c.sendJSON(protocol.Message{
		Type:    protocol.TypeStreamRequest,
		Payload: protocol.StreamRequest{Command: protocol.CommandSeek, PositionMs: positionMs},
	})
}

// SendTimeSync sends a client/time probe
func (c *Client) SendTimeSync(t1 int64) error {
	return c.sendJSON(protocol.Message{
		Type:    protocol.TypeClientTime,
		Payload: protocol.ClientTime{ClientTransmitted: t1},
	})
}

// Events returns the ordered control event stream
func (c *Client) Events() <-chan Event {
	return c.events
}

// TimeSyncResponses returns server/time replies for the clock filter
func (c *Client) TimeSyncResponses() <-chan protocol.ServerTime {
	return c.timeSyncResp
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns a copy of the client counters
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StreamFormat returns the format announced by the last stream/start
func (c *Client) StreamFormat() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Disconnect sends a goodbye and tears the connection down. Idempotent;
// safe to call whether or not the client ever connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	connected := c.connected
	c.connected = false
	cancel := c.cancel
	done := c.done
	decoder := c.decoder
	c.decoder = nil
	c.mu.Unlock()

	if connected && conn != nil {
		c.writeMu.Lock()
		conn.WriteJSON(protocol.Message{
			Type:    protocol.TypeClientGoodbye,
			Payload: protocol.ClientGoodbye{Reason: "shutdown"},
		})
		c.writeMu.Unlock()
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	if decoder != nil {
		decoder.Close()
	}
	log.Printf("Connection closed")
}
