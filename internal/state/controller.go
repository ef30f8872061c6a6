// ABOUTME: Playback state controller reconciling server and local state
// ABOUTME: Single event loop owning the session; all mutations pass through it
package state

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playercore-go/internal/client"
	"github.com/Sendspin/playercore-go/internal/pipeline"
	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/Sendspin/playercore-go/pkg/protocol"
)

// PlaybackState is the controller's top-level state
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
	StateError
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Snapshot is an immutable view of the session handed to subscribers
type Snapshot struct {
	State       PlaybackState
	Connected   bool
	TrackID     string
	Title       string
	Artist      string
	Album       string
	QueueIndex  int
	QueueLength int
	Elapsed     time.Duration
	Duration    time.Duration // 0 = unknown
	Volume      int
	Muted       bool
	Err         error
}

// Transport is the slice of the streaming client the controller drives
type Transport interface {
	SendState(state protocol.ClientState) error
	SendCommand(cmd protocol.ServerCommand) error
	RequestSeek(positionMs int64) error
}

// Renderer is the slice of the audio pipeline the controller drives
type Renderer interface {
	Start(deviceID string, format audio.Format) error
	Pause()
	Resume()
	Flush()
	Stop()
	Elapsed() time.Duration
	ResetElapsed()
	SetVolume(volume int)
	SetMuted(muted bool)
}

// ServerClock converts server timestamps into the local time base. The
// time sync filter satisfies it.
type ServerClock interface {
	ServerToLocal(serverMicros int64) time.Time
	Synced() bool
}

// Config holds controller configuration
type Config struct {
	Transport Transport
	Renderer  Renderer

	// ClientEvents and PipelineEvents feed the event loop
	ClientEvents   <-chan client.Event
	PipelineEvents <-chan pipeline.Event

	// Device returns the output device for pipeline starts ("" = default)
	Device func() string

	// Clock, when set and synced, ages a session update's advisory
	// elapsed by its time in flight before any drift comparison.
	Clock ServerClock

	// InitialVolume is the starting volume percent, clamped to 0-100.
	// Zero means the default of 100.
	InitialVolume int

	// DriftTolerance bounds silent divergence between the server's
	// advisory elapsed and the locally rendered clock (default 3s).
	DriftTolerance time.Duration

	// NotifyDebounce coalesces subscriber notifications (default 200ms)
	NotifyDebounce time.Duration

	// RestartThreshold makes "previous" restart the current track instead
	// of stepping back once this much has played (default 3s).
	RestartThreshold time.Duration

	// TickInterval refreshes elapsed while playing (default 250ms)
	TickInterval time.Duration

	Debug bool
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdToggle
	cmdStop
	cmdNext
	cmdPrevious
	cmdSeek
	cmdVolume
	cmdMute
)

type command struct {
	kind     commandKind
	position time.Duration
	volume   int
	muted    bool
}

// Controller owns the playback session. One goroutine runs the event
// loop; every other goroutine talks to it through channels, so the
// session state needs no locking of its own.
type Controller struct {
	config Config

	session     Snapshot
	elapsedBase time.Duration // position the pipeline clock was last reset at
	started     bool          // pipeline running
	format      audio.Format

	commands chan command

	subMu       sync.Mutex
	subscribers []chan Snapshot

	notifyPending bool
	notifyTimer   *time.Timer

	running atomic.Bool
	done    chan struct{}
	stop    chan struct{}
}

// New creates a controller; Run must be called to start the event loop
func New(config Config) *Controller {
	if config.DriftTolerance <= 0 {
		config.DriftTolerance = 3 * time.Second
	}
	if config.NotifyDebounce <= 0 {
		config.NotifyDebounce = 200 * time.Millisecond
	}
	if config.RestartThreshold <= 0 {
		config.RestartThreshold = 3 * time.Second
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 250 * time.Millisecond
	}
	if config.Device == nil {
		config.Device = func() string { return "" }
	}
	if config.InitialVolume == 0 {
		config.InitialVolume = 100
	}

	return &Controller{
		config:   config,
		session:  Snapshot{State: StateIdle, Volume: clampVolume(config.InitialVolume)},
		commands: make(chan command, 16),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Run executes the event loop until Shutdown. Call on its own goroutine.
func (c *Controller) Run() {
	c.running.Store(true)
	defer close(c.done)

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	// Debounce timer lives for the loop's lifetime; reset on demand
	c.notifyTimer = time.NewTimer(time.Hour)
	c.notifyTimer.Stop()
	defer c.notifyTimer.Stop()

	for {
		select {
		case ev, ok := <-c.config.ClientEvents:
			if !ok {
				return
			}
			c.handleClientEvent(ev)

		case ev, ok := <-c.config.PipelineEvents:
			if !ok {
				return
			}
			c.handlePipelineEvent(ev)

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case <-ticker.C:
			c.refreshElapsed()

		case <-c.notifyTimer.C:
			c.flushNotify()

		case <-c.stop:
			return
		}
	}
}

// Shutdown stops the event loop and the pipeline. Idempotent; safe even
// when Run was never started.
func (c *Controller) Shutdown() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if c.running.Load() {
		<-c.done
	}
	if c.started {
		c.config.Renderer.Stop()
		c.started = false
	}
}

// Subscribe registers a snapshot listener. Notifications are debounced
// and coalesced; each delivery carries the full current snapshot.
func (c *Controller) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subMu.Unlock()
	return ch
}

// --- public command surface; safe from any goroutine ---

func (c *Controller) Play()                  { c.post(command{kind: cmdPlay}) }
func (c *Controller) Pause()                 { c.post(command{kind: cmdPause}) }
func (c *Controller) TogglePlay()            { c.post(command{kind: cmdToggle}) }
func (c *Controller) Stop()                  { c.post(command{kind: cmdStop}) }
func (c *Controller) Next()                  { c.post(command{kind: cmdNext}) }
func (c *Controller) Previous()              { c.post(command{kind: cmdPrevious}) }
func (c *Controller) Seek(pos time.Duration) { c.post(command{kind: cmdSeek, position: pos}) }
func (c *Controller) SetVolume(volume int)   { c.post(command{kind: cmdVolume, volume: volume}) }
func (c *Controller) SetMuted(muted bool)    { c.post(command{kind: cmdMute, muted: muted}) }

func (c *Controller) post(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.stop:
	}
}

// --- event handling; everything below runs on the loop goroutine ---

func (c *Controller) handleClientEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		c.session.Connected = true
		if c.session.State == StateError {
			c.session.State = StateIdle
			c.session.Err = nil
		}
		c.reportState()
		c.notify()

	case client.EventReconnecting:
		// Buffered audio keeps playing; only the control plane is down
		c.session.Connected = false
		c.notify()

	case client.EventConnectionLost:
		c.session.Connected = false
		c.session.State = StateError
		c.session.Err = ev.Err
		if c.started {
			c.config.Renderer.Pause()
		}
		c.notify()

	case client.EventStreamStart:
		c.handleStreamStart(ev.Stream)

	case client.EventStreamClear:
		if c.started {
			c.config.Renderer.Flush()
			c.config.Renderer.ResetElapsed()
		}

	case client.EventStreamEnd:
		if c.started {
			c.config.Renderer.Stop()
			c.started = false
		}
		c.session.State = StateStopped
		c.session.Elapsed = 0
		c.elapsedBase = 0
		c.notify()

	case client.EventCommand:
		c.handleServerCommand(ev.Command)

	case client.EventSession:
		c.reconcile(ev.Session)

	case client.EventServerError:
		log.Printf("Server error: %s %s", ev.Error.Code, ev.Error.Message)
	}
}

func (c *Controller) handleStreamStart(start protocol.StreamStart) {
	format := audio.Format{
		Codec:      "pcm", // frames arrive decoded
		SampleRate: start.SampleRate,
		Channels:   start.Channels,
		BitDepth:   start.BitDepth,
	}

	if c.started {
		c.config.Renderer.Stop()
		c.started = false
	}

	if err := c.config.Renderer.Start(c.config.Device(), format); err != nil {
		log.Printf("Failed to open output: %v", err)
		c.session.State = StateError
		c.session.Err = err
		c.notify()
		return
	}

	c.started = true
	c.format = format
	c.elapsedBase = 0
	c.session.Elapsed = 0
	c.session.State = StateLoading
	c.config.Renderer.SetVolume(c.session.Volume)
	c.config.Renderer.SetMuted(c.session.Muted)
	c.notify()
}

func (c *Controller) handlePipelineEvent(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventFirstFrame:
		// Loading ends when audio actually reaches the device
		if c.session.State == StateLoading {
			c.session.State = StatePlaying
			c.notify()
		}

	case pipeline.EventUnderrun:
		log.Printf("Audio underrun at %v", c.currentElapsed())

	case pipeline.EventRecovered:
		if c.config.Debug {
			log.Printf("Audio recovered at %v", c.currentElapsed())
		}

	case pipeline.EventDeviceSwitched:
		c.notify()
	}
}

// handleServerCommand applies a server-initiated transport command.
// Server commands are authoritative and never echoed back.
func (c *Controller) handleServerCommand(cmd protocol.ServerCommand) {
	switch cmd.Command {
	case protocol.CommandPlay:
		c.resume()
	case protocol.CommandPause:
		c.pause()
	case protocol.CommandStop:
		c.stopPlayback()
	case protocol.CommandSeek:
		c.applySeek(time.Duration(cmd.PositionMs) * time.Millisecond)
	case protocol.CommandVolume:
		c.session.Volume = clampVolume(cmd.Volume)
		if c.started {
			c.config.Renderer.SetVolume(c.session.Volume)
		}
		c.notify()
	case protocol.CommandMute:
		c.session.Muted = cmd.Mute
		if c.started {
			c.config.Renderer.SetMuted(cmd.Mute)
		}
		c.notify()
	default:
		log.Printf("Unknown server command: %q", cmd.Command)
	}
}

// handleCommand applies a locally initiated command: act locally first,
// then inform the server so the UI never waits on the network.
func (c *Controller) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdPlay:
		c.resume()
		c.sendCommand(protocol.ServerCommand{Command: protocol.CommandPlay})

	case cmdPause:
		c.pause()
		c.sendCommand(protocol.ServerCommand{Command: protocol.CommandPause})

	case cmdToggle:
		if c.session.State == StatePlaying {
			c.handleCommand(command{kind: cmdPause})
		} else {
			c.handleCommand(command{kind: cmdPlay})
		}

	case cmdStop:
		if c.session.State == StateStopped {
			return // idempotent: no second notification
		}
		c.stopPlayback()
		c.sendCommand(protocol.ServerCommand{Command: protocol.CommandStop})

	case cmdNext:
		c.session.State = StateLoading
		c.notify()
		c.sendCommand(protocol.ServerCommand{Command: protocol.CommandNext})

	case cmdPrevious:
		// Well into the track, previous means restart
		if c.currentElapsed() >= c.config.RestartThreshold {
			c.requestSeek(0)
			return
		}
		c.session.State = StateLoading
		c.notify()
		c.sendCommand(protocol.ServerCommand{Command: protocol.CommandPrevious})

	case cmdSeek:
		c.requestSeek(cmd.position)

	case cmdVolume:
		c.session.Volume = clampVolume(cmd.volume)
		if c.started {
			c.config.Renderer.SetVolume(c.session.Volume)
		}
		c.notify()
		c.reportState()

	case cmdMute:
		c.session.Muted = cmd.muted
		if c.started {
			c.config.Renderer.SetMuted(cmd.muted)
		}
		c.notify()
		c.reportState()
	}
}

func (c *Controller) resume() {
	switch c.session.State {
	case StatePaused, StateStopped, StateIdle:
		if c.started {
			c.config.Renderer.Resume()
			c.session.State = StatePlaying
		} else {
			c.session.State = StateLoading
		}
		c.notify()
	}
}

func (c *Controller) pause() {
	if c.session.State != StatePlaying && c.session.State != StateLoading {
		return
	}
	if c.started {
		c.config.Renderer.Pause()
	}
	c.session.State = StatePaused
	c.notify()
}

func (c *Controller) stopPlayback() {
	if c.started {
		c.config.Renderer.Stop()
		c.started = false
	}
	c.session.State = StateStopped
	c.session.Elapsed = 0
	c.elapsedBase = 0
	c.notify()
}

// requestSeek asks the server to reposition; the flush happens when the
// server answers with stream/clear, keeping frames and position atomic.
func (c *Controller) requestSeek(pos time.Duration) {
	if pos < 0 {
		pos = 0
	}
	if c.session.Duration > 0 && pos > c.session.Duration {
		pos = c.session.Duration
	}
	if err := c.config.Transport.RequestSeek(pos.Milliseconds()); err != nil {
		log.Printf("Seek request failed: %v", err)
		return
	}
	c.applySeek(pos)
}

// applySeek moves the local clock; buffered pre-seek audio is discarded
func (c *Controller) applySeek(pos time.Duration) {
	if c.started {
		c.config.Renderer.Flush()
		c.config.Renderer.ResetElapsed()
	}
	c.elapsedBase = pos
	c.session.Elapsed = pos
	c.notify()
}

// reconcile folds the server's authoritative queue view into the session.
// The server owns WHAT plays (track identity, queue position, metadata);
// the local render clock owns HOW FAR it has played.
func (c *Controller) reconcile(update protocol.SessionUpdate) {
	trackChanged := update.TrackID != "" && update.TrackID != c.session.TrackID

	c.session.TrackID = update.TrackID
	c.session.Title = update.Title
	c.session.Artist = update.Artist
	c.session.Album = update.Album
	c.session.QueueIndex = update.QueueIndex
	c.session.QueueLength = update.QueueLength
	c.session.Duration = time.Duration(update.DurationMs) * time.Millisecond

	if trackChanged {
		// Implicit queue advance: adopt the server's position for the new
		// track and wait for its first frame.
		c.elapsedBase = c.serverElapsed(update)
		if c.started {
			c.config.Renderer.ResetElapsed()
		}
		c.session.Elapsed = c.elapsedBase
		if update.PlaybackState == "playing" {
			c.session.State = StateLoading
		}
	} else if update.ElapsedMs > 0 {
		serverElapsed := c.serverElapsed(update)
		local := c.currentElapsed()
		drift := local - serverElapsed
		if drift < 0 {
			drift = -drift
		}
		// Advisory only: the local clock wins, drift is just reported
		if drift > c.config.DriftTolerance {
			log.Printf("Elapsed drift %v exceeds tolerance (local=%v server=%v)", drift, local, serverElapsed)
		}
	}

	switch update.PlaybackState {
	case "paused":
		if c.session.State == StatePlaying || c.session.State == StateLoading {
			if c.started {
				c.config.Renderer.Pause()
			}
			c.session.State = StatePaused
		}
	case "stopped":
		if c.session.State != StateStopped && c.session.State != StateIdle {
			c.stopPlayback()
			return
		}
	case "playing":
		if c.session.State == StatePaused {
			if c.started {
				c.config.Renderer.Resume()
			}
			c.session.State = StatePlaying
		}
	}

	c.refreshElapsed()
	c.notify()
}

// serverElapsed is the update's advisory position, aged by the time the
// view spent in flight when the synchronized clock can tell us.
func (c *Controller) serverElapsed(update protocol.SessionUpdate) time.Duration {
	elapsed := time.Duration(update.ElapsedMs) * time.Millisecond
	if c.config.Clock == nil || update.Timestamp == 0 || !c.config.Clock.Synced() {
		return elapsed
	}
	if update.PlaybackState != "playing" {
		return elapsed
	}
	age := time.Since(c.config.Clock.ServerToLocal(update.Timestamp))
	// A wildly implausible age means a bogus timestamp, not real lag
	if age > 0 && age < time.Minute {
		elapsed += age
	}
	return elapsed
}

// currentElapsed is the authoritative local position
func (c *Controller) currentElapsed() time.Duration {
	if !c.started {
		return c.session.Elapsed
	}
	elapsed := c.elapsedBase + c.config.Renderer.Elapsed()
	// Never report past the end of the track
	if c.session.Duration > 0 && elapsed > c.session.Duration {
		elapsed = c.session.Duration
	}
	return elapsed
}

func (c *Controller) refreshElapsed() {
	if c.session.State != StatePlaying {
		return
	}
	elapsed := c.currentElapsed()
	if elapsed != c.session.Elapsed {
		c.session.Elapsed = elapsed
		c.notify()
	}
}

// reportState pushes the player's state to the server, off the loop
// goroutine so a slow socket never stalls event handling.
func (c *Controller) reportState() {
	state := protocol.ClientState{
		State:  "synchronized",
		Volume: c.session.Volume,
		Muted:  c.session.Muted,
	}
	go func() {
		if err := c.config.Transport.SendState(state); err != nil {
			log.Printf("State report failed: %v", err)
		}
	}()
}

func (c *Controller) sendCommand(cmd protocol.ServerCommand) {
	go func() {
		if err := c.config.Transport.SendCommand(cmd); err != nil {
			log.Printf("Command send failed: %v", err)
		}
	}()
}

// notify schedules a debounced snapshot broadcast. Rapid-fire changes
// collapse into one delivery carrying the final state.
func (c *Controller) notify() {
	if c.notifyPending {
		return
	}
	c.notifyPending = true
	if c.notifyTimer != nil {
		c.notifyTimer.Reset(c.config.NotifyDebounce)
	}
}

func (c *Controller) flushNotify() {
	c.notifyPending = false
	snapshot := c.session

	c.subMu.Lock()
	subs := append([]chan Snapshot(nil), c.subscribers...)
	c.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- snapshot:
		default:
			// Slow subscriber: drop the stale snapshot, a fresh one follows
		}
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
