// ABOUTME: Tests for the Sendspin streaming client
// ABOUTME: Covers handshake, event ordering, sequence filtering, and reconnect
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/Sendspin/playercore-go/pkg/backoff"
	"github.com/Sendspin/playercore-go/pkg/protocol"
	"github.com/gorilla/websocket"
)

type collectSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *collectSink) Push(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *collectSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

// testServer is a minimal Sendspin server speaking just enough protocol
// for the client handshake.
type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// Consume client/hello, answer server/hello
		var hello protocol.Message
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != protocol.TypeClientHello {
			conn.Close()
			return
		}
		conn.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerHello,
			Payload: protocol.ServerHello{ServerID: "test", Name: "Test Server", Version: 1},
		})

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) endpoint() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *testServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// conn waits for the n-th accepted connection
func (s *testServer) conn(t *testing.T, n int) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.conns) > n {
			c := s.conns[n]
			s.mu.Unlock()
			return c
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never accepted connection")
	return nil
}

func waitClientEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", kind)
		}
	}
}

func testClientConfig(endpoint string) Config {
	return Config{
		Endpoint: endpoint,
		Name:     "Test Player",
		Backoff:  backoff.Policy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, MaxAttempts: 3},
	}
}

func TestConnectAndEventOrder(t *testing.T) {
	server := newTestServer(t)
	sink := &collectSink{}
	c := NewClient(testClientConfig(server.endpoint()), sink)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitClientEvent(t, c, EventConnected)

	conn := server.conn(t, 0)
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeStreamStart,
		Payload: protocol.StreamStart{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16},
	})
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeServerCommand,
		Payload: protocol.ServerCommand{Command: protocol.CommandPlay},
	})
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeSessionUpdate,
		Payload: protocol.SessionUpdate{TrackID: "track-1", PlaybackState: "playing"},
	})

	// Control events arrive in receipt order
	ev := waitClientEvent(t, c, EventStreamStart)
	if ev.Stream.SampleRate != 48000 {
		t.Errorf("unexpected stream format: %+v", ev.Stream)
	}
	ev = waitClientEvent(t, c, EventCommand)
	if ev.Command.Command != protocol.CommandPlay {
		t.Errorf("expected play command, got %q", ev.Command.Command)
	}
	ev = waitClientEvent(t, c, EventSession)
	if ev.Session.TrackID != "track-1" {
		t.Errorf("expected track-1, got %q", ev.Session.TrackID)
	}
}

func TestAuthRejectedNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}))
	defer server.Close()

	config := testClientConfig(strings.TrimPrefix(server.URL, "http://"))
	config.Token = "bad-token"
	c := NewClient(config, nil)
	defer c.Disconnect()

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %T", err)
	}
	if connErr.Retryable {
		t.Error("auth rejection must not be retryable")
	}
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("expected ErrAuthRejected, got %v", err)
	}
}

func TestMidSessionAuthRejectionStopsReconnect(t *testing.T) {
	server := newTestServer(t)
	c := NewClient(testClientConfig(server.endpoint()), &collectSink{})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitClientEvent(t, c, EventConnected)

	// Server revokes the token mid-session
	server.conn(t, 0).WriteJSON(protocol.Message{
		Type:    protocol.TypeServerError,
		Payload: protocol.ServerError{Code: protocol.ErrorCodeAuthRejected},
	})

	ev := waitClientEvent(t, c, EventConnectionLost)
	if !errors.Is(ev.Err, ErrAuthRejected) {
		t.Errorf("expected ErrAuthRejected, got %v", ev.Err)
	}

	// Backoff base is 10ms; several cycles would fit in this window if
	// the supervisor wrongly kept dialing.
	time.Sleep(150 * time.Millisecond)
	if n := server.connCount(); n != 1 {
		t.Errorf("expected no redial after auth rejection, got %d connections", n)
	}
	if c.IsConnected() {
		t.Error("expected client disconnected after auth rejection")
	}
}

func TestConnectRefusedRetryable(t *testing.T) {
	c := NewClient(testClientConfig("127.0.0.1:1"), nil)
	defer c.Disconnect()

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %T", err)
	}
	if !connErr.Retryable {
		t.Error("connection refused should be retryable")
	}
}

func TestSequenceFilterDropsStaleFrames(t *testing.T) {
	server := newTestServer(t)
	sink := &collectSink{}
	c := NewClient(testClientConfig(server.endpoint()), sink)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := server.conn(t, 0)
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeStreamStart,
		Payload: protocol.StreamStart{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16},
	})
	waitClientEvent(t, c, EventStreamStart)

	payload := make([]byte, 8) // two 16-bit stereo samples
	for _, seq := range []uint64{1, 3, 2, 3, 4} {
		frame := protocol.AudioFrame{Seq: seq, BitDepth: 16, Channels: 2, SampleRate: 48000, Payload: payload}
		conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(frame))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.seqs()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := sink.seqs()
	want := []uint64{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v delivered, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v delivered, got %v", want, got)
		}
	}

	stats := c.Stats()
	if stats.FramesDropped != 2 {
		t.Errorf("expected 2 dropped frames, got %d", stats.FramesDropped)
	}
	if stats.FramesReceived != 3 {
		t.Errorf("expected 3 received frames, got %d", stats.FramesReceived)
	}
}

type flakyDecoder struct {
	mu   sync.Mutex
	fail bool
}

func (d *flakyDecoder) Decode(data []byte) ([]int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("corrupt frame payload")
	}
	return make([]int32, len(data)/2), nil
}

func (d *flakyDecoder) Close() error { return nil }

func (d *flakyDecoder) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func TestDecodeFailureLeavesSequenceGate(t *testing.T) {
	sink := &collectSink{}
	c := NewClient(testClientConfig("music.local:8095"), sink)
	dec := &flakyDecoder{fail: true}
	c.mu.Lock()
	c.decoder = dec
	c.mu.Unlock()

	data := protocol.EncodeAudioFrame(protocol.AudioFrame{
		Seq: 1, BitDepth: 16, Channels: 2, SampleRate: 48000, Payload: make([]byte, 8),
	})

	// Corrupt payload: dropped without advancing the gate
	c.handleBinaryMessage(data)
	if got := c.Stats().FramesReceived; got != 0 {
		t.Errorf("expected 0 received after decode failure, got %d", got)
	}

	// A retransmit of the same sequence number still gets through
	dec.setFail(false)
	c.handleBinaryMessage(data)

	if seqs := sink.seqs(); len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("expected retransmitted frame delivered, got %v", seqs)
	}
	stats := c.Stats()
	if stats.FramesReceived != 1 {
		t.Errorf("expected 1 received frame, got %d", stats.FramesReceived)
	}
	if stats.FramesDropped != 0 {
		t.Errorf("expected 0 dropped frames, got %d", stats.FramesDropped)
	}
}

func TestStreamClearResetsSequenceGate(t *testing.T) {
	server := newTestServer(t)
	sink := &collectSink{}
	c := NewClient(testClientConfig(server.endpoint()), sink)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := server.conn(t, 0)
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeStreamStart,
		Payload: protocol.StreamStart{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16},
	})
	waitClientEvent(t, c, EventStreamStart)

	payload := make([]byte, 8)
	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(protocol.AudioFrame{
		Seq: 100, BitDepth: 16, Channels: 2, SampleRate: 48000, Payload: payload,
	}))
	conn.WriteJSON(protocol.Message{Type: protocol.TypeStreamClear, Payload: protocol.StreamClear{NextSeq: 1}})
	waitClientEvent(t, c, EventStreamClear)

	// Post-clear numbering restarts below the old high-water mark
	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(protocol.AudioFrame{
		Seq: 1, BitDepth: 16, Channels: 2, SampleRate: 48000, Payload: payload,
	}))

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.seqs()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := sink.seqs()
	if len(got) != 2 || got[1] != 1 {
		t.Fatalf("expected seq 1 accepted after stream/clear, got %v", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newTestServer(t)
	c := NewClient(testClientConfig(server.endpoint()), &collectSink{})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitClientEvent(t, c, EventConnected)

	// Server drops the connection
	server.conn(t, 0).Close()

	waitClientEvent(t, c, EventReconnecting)
	waitClientEvent(t, c, EventConnected)

	if server.conn(t, 1) == nil {
		t.Fatal("expected a second server-side connection")
	}
	if c.Stats().Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", c.Stats().Reconnects)
	}
	if !c.IsConnected() {
		t.Error("expected client connected after reconnect")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	server := newTestServer(t)
	c := NewClient(testClientConfig(server.endpoint()), &collectSink{})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitClientEvent(t, c, EventConnected)

	// Kill the server entirely so every retry fails
	conn := server.conn(t, 0)
	server.Close()
	conn.Close()

	ev := waitClientEvent(t, c, EventConnectionLost)
	if !errors.Is(ev.Err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", ev.Err)
	}
}

func TestSendStateWhileDisconnected(t *testing.T) {
	c := NewClient(testClientConfig("127.0.0.1:1"), nil)
	defer c.Disconnect()

	err := c.SendState(protocol.ClientState{State: "synchronized", Volume: 50})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	server := newTestServer(t)
	c := NewClient(testClientConfig(server.endpoint()), &collectSink{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	c.Disconnect()
	c.Disconnect() // second call is a no-op
}

func TestDisconnectSendsGoodbye(t *testing.T) {
	server := newTestServer(t)
	c := NewClient(testClientConfig(server.endpoint()), &collectSink{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	conn := server.conn(t, 0)

	c.Disconnect()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected goodbye before close, got %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to parse goodbye: %v", err)
	}
	if msg.Type != protocol.TypeClientGoodbye {
		t.Errorf("expected client/goodbye, got %s", msg.Type)
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "music.local:8095", want: "ws://music.local:8095/sendspin"},
		{in: "ws://music.local:8095/custom", want: "ws://music.local:8095/custom"},
		{in: "http://music.local:8095", want: "ws://music.local:8095/sendspin"},
		{in: "https://music.example.com", want: "wss://music.example.com/sendspin"},
		{in: "ftp://music.local", err: true},
		{in: "", err: true},
	}

	for _, tt := range tests {
		got, err := endpointURL(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("endpointURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("endpointURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("endpointURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
