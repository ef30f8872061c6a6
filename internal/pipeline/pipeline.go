// ABOUTME: Audio pipeline buffering decoded PCM and pacing the output sink
// ABOUTME: Owns the active sink, elapsed-time clock, and gapless retargeting
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Sendspin/playercore-go/pkg/audio"
	"github.com/Sendspin/playercore-go/pkg/audio/output"
)

// EventKind identifies a pipeline event
type EventKind int

const (
	// EventUnderrun fires when the render path exhausts buffered frames
	// while the device is still open. Transport keeps running.
	EventUnderrun EventKind = iota
	// EventRecovered fires when rendering resumes after an underrun
	EventRecovered
	// EventFirstFrame fires when the first frame after Start or Flush
	// reaches the sink, ending the Loading phase.
	EventFirstFrame
	// EventDeviceSwitched fires after a successful retarget
	EventDeviceSwitched
	// EventFlushed fires after buffered frames are discarded for a seek
	EventFlushed
)

// Event is a pipeline notification delivered to the state controller
type Event struct {
	Kind     EventKind
	Seq      uint64
	DeviceID string
}

// Watermark holds the buffer fill thresholds (in frames) governing
// backpressure between the streaming client and the pipeline.
type Watermark struct {
	Low  int
	High int
}

// Config holds pipeline configuration
type Config struct {
	Watermark Watermark
	Debug     bool

	// NewSink builds a sink instance; defaults to output.NewMalgo.
	// Each retarget creates a fresh sink so the device handle has
	// exactly one owner at any instant.
	NewSink func() output.Sink
}

// Stats tracks pipeline counters
type Stats struct {
	FramesPushed   int64
	FramesRendered int64
	FramesDropped  int64 // stale or duplicate sequence numbers
	Underruns      int64
}

// Pipeline buffers decoded PCM frames and paces them into the active
// output sink. Push blocks above the high watermark; that blocking is the
// wire backpressure described by the streaming client.
type Pipeline struct {
	config Config

	mu       sync.Mutex
	cond     *sync.Cond
	frames   []audio.Frame
	gated    bool   // true while fill >= high watermark, cleared at low
	flushGen uint64 // bumped by Flush; a Push that waited across it discards

	sink     output.Sink
	deviceID string
	format   audio.Format

	playing  bool
	paused   bool
	loading  bool
	underrun bool
	lastSeq  uint64
	seqValid bool
	rendered int64 // samples actually written to the sink
	stats    Stats

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline. Start must be called before frames are pushed.
func New(config Config) *Pipeline {
	if config.Watermark.High <= 0 {
		config.Watermark = Watermark{Low: 16, High: 64}
	}
	if config.Watermark.Low <= 0 || config.Watermark.Low >= config.Watermark.High {
		config.Watermark.Low = config.Watermark.High / 4
	}
	if config.NewSink == nil {
		config.NewSink = func() output.Sink { return output.NewMalgo() }
	}

	p := &Pipeline{
		config: config,
		events: make(chan Event, 32),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start opens the sink on the given device and starts the render worker.
func (p *Pipeline) Start(deviceID string, format audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing {
		return fmt.Errorf("pipeline already started")
	}
	if !format.Valid() {
		return fmt.Errorf("invalid stream format: %+v", format)
	}

	sink := p.config.NewSink()
	if err := sink.Open(deviceID, format); err != nil {
		return err
	}

	p.sink = sink
	p.deviceID = deviceID
	p.format = format
	p.playing = true
	p.paused = false
	p.loading = true
	p.underrun = false
	p.seqValid = false
	p.rendered = 0

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.renderLoop(p.ctx)

	return nil
}

// Push hands a decoded frame to the pipeline. Ownership of the frame
// transfers here. Blocks while the buffer is above the high watermark so
// the caller's read path stalls instead of growing memory unboundedly.
// Frames with stale sequence numbers are dropped and counted, never
// rendered.
func (p *Pipeline) Push(frame audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing {
		return fmt.Errorf("pipeline not started")
	}

	gen := p.flushGen
	for p.gated && p.playing && p.flushGen == gen {
		p.cond.Wait()
	}
	if !p.playing {
		return nil
	}
	if p.flushGen != gen {
		// A flush ran while this frame waited at the gate; it belongs to
		// the pre-seek stream and must not render.
		return nil
	}

	if p.seqValid && frame.Seq <= p.lastSeq {
		p.stats.FramesDropped++
		if p.config.Debug {
			log.Printf("Dropped stale frame: seq=%d last=%d", frame.Seq, p.lastSeq)
		}
		return nil
	}
	p.lastSeq = frame.Seq
	p.seqValid = true

	p.frames = append(p.frames, frame)
	p.stats.FramesPushed++
	if len(p.frames) >= p.config.Watermark.High {
		p.gated = true
	}
	p.cond.Broadcast()
	return nil
}

// renderLoop consumes frames in order and writes them to the sink.
// Runs on its own goroutine; sink.Write blocking paces it to the device
// clock.
func (p *Pipeline) renderLoop(ctx context.Context) {
	defer close(p.done)

	for {
		p.mu.Lock()
		for p.playing && (p.paused || len(p.frames) == 0) && ctx.Err() == nil {
			if len(p.frames) == 0 && !p.paused && !p.loading && !p.underrun {
				// Buffer emptied mid-play: hold silence, report, keep going
				p.underrun = true
				p.stats.Underruns++
				p.emit(Event{Kind: EventUnderrun})
			}
			p.cond.Wait()
		}
		if !p.playing || ctx.Err() != nil {
			p.mu.Unlock()
			return
		}

		frame := p.frames[0]
		p.frames = p.frames[1:]
		if p.gated && len(p.frames) <= p.config.Watermark.Low {
			p.gated = false
			p.cond.Broadcast()
		}
		sink := p.sink
		first := p.loading
		recovered := p.underrun
		p.loading = false
		p.underrun = false
		p.mu.Unlock()

		if err := sink.Write(frame.Samples); err != nil {
			log.Printf("Sink write error: %v", err)
			continue
		}

		p.mu.Lock()
		p.rendered += int64(len(frame.Samples))
		p.stats.FramesRendered++
		p.mu.Unlock()

		if first {
			p.emit(Event{Kind: EventFirstFrame, Seq: frame.Seq})
		} else if recovered {
			p.emit(Event{Kind: EventRecovered, Seq: frame.Seq})
		}
	}
}

// Elapsed returns playback progress derived from samples actually
// rendered, the authoritative local clock.
func (p *Pipeline) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.format.Valid() {
		return 0
	}
	perSecond := int64(p.format.SampleRate * p.format.Channels)
	return time.Duration(p.rendered) * time.Second / time.Duration(perSecond)
}

// ResetElapsed zeroes the local clock (queue advance to a new track)
func (p *Pipeline) ResetElapsed() {
	p.mu.Lock()
	p.rendered = 0
	p.mu.Unlock()
}

// Pause suspends rendering without releasing the device
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Resume continues rendering after Pause
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Flush discards all buffered frames (seek), including any frame parked
// in Push at the high watermark. The pipeline re-enters the loading phase
// until the first post-flush frame renders.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	p.flushGen++
	p.frames = nil
	p.gated = false
	p.loading = true
	p.underrun = false
	p.seqValid = false
	p.cond.Broadcast()
	p.mu.Unlock()

	p.emit(Event{Kind: EventFlushed})
}

// SetOutput retargets playback to another device without dropping
// already-buffered frames. On failure the previous device stays active.
func (p *Pipeline) SetOutput(deviceID string) error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return fmt.Errorf("pipeline not started")
	}
	if deviceID == p.deviceID {
		p.mu.Unlock()
		return nil
	}
	format := p.format
	old := p.sink
	p.mu.Unlock()

	next := p.config.NewSink()
	if err := next.Open(deviceID, format); err != nil {
		// No silent fallback: the previous device remains active
		return err
	}

	// Drain what the old sink already holds before the hand-off so the
	// switch is gapless; frames still queued in the pipeline are
	// untouched and render on the new sink.
	deadline := time.Now().Add(2 * time.Second)
	for old.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	next.SetVolume(old.Volume())
	next.SetMuted(old.Muted())
	p.sink = next
	p.deviceID = deviceID
	p.mu.Unlock()

	if err := old.Close(); err != nil {
		log.Printf("Warning: closing previous sink: %v", err)
	}

	p.emit(Event{Kind: EventDeviceSwitched, DeviceID: deviceID})
	return nil
}

// SetVolume applies render-time gain (0-100)
func (p *Pipeline) SetVolume(volume int) {
	p.mu.Lock()
	if p.sink != nil {
		p.sink.SetVolume(volume)
	}
	p.mu.Unlock()
}

// SetMuted applies render-time mute
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	if p.sink != nil {
		p.sink.SetMuted(muted)
	}
	p.mu.Unlock()
}

// Running reports whether the render worker is active
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// DeviceID returns the device the pipeline currently renders to
func (p *Pipeline) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

// BufferFill returns the current frame queue depth
func (p *Pipeline) BufferFill() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Stats returns a copy of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Events returns the pipeline event stream
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Stop halts rendering and releases the sink. Idempotent; buffered
// frames are discarded and the render worker unwinds asynchronously.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.frames = nil
	p.gated = false
	sink := p.sink
	p.sink = nil
	cancel := p.cancel
	done := p.done
	p.cond.Broadcast()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Close the sink first so a render worker blocked in Write unwinds,
	// then let it drain asynchronously without blocking the caller.
	go func() {
		if sink != nil {
			if err := sink.Close(); err != nil {
				log.Printf("Warning: closing sink: %v", err)
			}
		}
		if done != nil {
			<-done
		}
	}()
}

// emit delivers an event without ever blocking the render path
func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		log.Printf("Pipeline event channel full, dropping %d", ev.Kind)
	}
}
