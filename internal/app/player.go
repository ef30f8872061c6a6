// ABOUTME: Main player application orchestration
// ABOUTME: Wires config, devices, pipeline, client, and the state controller
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Sendspin/playercore-go/internal/client"
	"github.com/Sendspin/playercore-go/internal/config"
	"github.com/Sendspin/playercore-go/internal/device"
	"github.com/Sendspin/playercore-go/internal/discovery"
	"github.com/Sendspin/playercore-go/internal/mediactl"
	"github.com/Sendspin/playercore-go/internal/pipeline"
	"github.com/Sendspin/playercore-go/internal/state"
	"github.com/Sendspin/playercore-go/internal/timesync"
	"github.com/Sendspin/playercore-go/internal/version"
	"github.com/Sendspin/playercore-go/pkg/protocol"
)

// Player is the assembled application
type Player struct {
	config config.Config

	pipeline   *pipeline.Pipeline
	devices    *device.Manager
	client     *client.Client
	controller *state.Controller
	bridge     *mediactl.Bridge
	clock      *timesync.Clock
	discovery  *discovery.Manager

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a player from configuration. Nothing touches the network
// or the audio device until Start.
func New(cfg config.Config) *Player {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Player{
		config: cfg,
		clock:  timesync.NewClock(),
		ctx:    ctx,
		cancel: cancel,
	}

	p.pipeline = pipeline.New(pipeline.Config{
		Watermark: watermarkFor(cfg.Audio.BufferMs),
		Debug:     cfg.Debug,
	})

	p.devices = device.NewManager(device.Config{
		Apply: p.applyDevice,
	})

	p.client = client.NewClient(client.Config{
		Endpoint: cfg.Server.URL,
		Token:    cfg.Server.Token,
		ClientID: cfg.Player.ClientID,
		Name:     cfg.Player.Name,
		Version:  1,
		DeviceInfo: protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
		BufferCapacity: cfg.Audio.BufferMs,
		Backoff:        cfg.Backoff(),
		Debug:          cfg.Debug,
	}, p.pipeline)

	p.controller = state.New(state.Config{
		Transport:        p.client,
		Renderer:         p.pipeline,
		ClientEvents:     p.client.Events(),
		PipelineEvents:   p.pipeline.Events(),
		Device:           p.devices.Selected,
		Clock:            p.clock,
		InitialVolume:    cfg.Player.Volume,
		DriftTolerance:   cfg.DriftTolerance(),
		NotifyDebounce:   cfg.NotifyDebounce(),
		RestartThreshold: cfg.RestartThreshold(),
		Debug:            cfg.Debug,
	})

	p.bridge = mediactl.New(p.controller, p.controller.Subscribe())

	return p
}

// watermarkFor converts the buffer target into frame-count thresholds.
// Frames are typically around 20ms of audio; the exact duration only
// shifts where the hysteresis band sits.
func watermarkFor(bufferMs int) pipeline.Watermark {
	frames := bufferMs / 20
	if frames < 8 {
		frames = 8
	}
	return pipeline.Watermark{
		Low:  frames / 4,
		High: frames * 3 / 4,
	}
}

// applyDevice retargets the pipeline when it is rendering; otherwise the
// selection simply takes effect at the next stream start.
func (p *Player) applyDevice(deviceID string) error {
	if !p.pipeline.Running() {
		return nil
	}
	return p.pipeline.SetOutput(deviceID)
}

// Start connects and runs the player until Close. Blocks only for the
// initial connection; everything after runs on background goroutines.
func (p *Player) Start() error {
	endpoint := p.config.Server.URL
	if endpoint == "" {
		discovered, err := p.discover()
		if err != nil {
			return err
		}
		endpoint = discovered
		p.client.SetEndpoint(endpoint)
	}

	if _, err := p.devices.Refresh(); err != nil {
		log.Printf("Device enumeration unavailable: %v", err)
	}
	p.devices.Start()

	go p.controller.Run()

	if err := p.client.Connect(p.ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	log.Printf("Connected to server: %s", endpoint)

	go p.clockSyncLoop()
	go p.deviceEventLoop()

	return nil
}

// discover browses mDNS for a server when no endpoint is configured
func (p *Player) discover() (string, error) {
	log.Printf("No server configured, starting discovery...")

	p.discovery = discovery.NewManager(discovery.Config{
		ServiceName: p.config.Player.Name,
		Port:        8927,
	})
	if err := p.discovery.Advertise(); err != nil {
		log.Printf("mDNS advertisement failed: %v", err)
	}
	p.discovery.Browse()

	select {
	case server := <-p.discovery.Servers():
		return fmt.Sprintf("%s:%d", server.Host, server.Port), nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("no server found after 10 seconds")
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	}
}

// clockSyncLoop keeps the server clock estimate fresh
func (p *Player) clockSyncLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t1 := time.Now().UnixMicro()
			if err := p.client.SendTimeSync(t1); err != nil {
				continue
			}

			select {
			case resp := <-p.client.TimeSyncResponses():
				t4 := time.Now().UnixMicro()
				p.clock.ProcessSyncResponse(resp.ClientTransmitted, resp.ServerReceived, resp.ServerTransmitted, t4)
			case <-time.After(2 * time.Second):
				log.Printf("Time sync timeout")
			case <-p.ctx.Done():
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// deviceEventLoop surfaces hotplug changes in the logs
func (p *Player) deviceEventLoop() {
	for {
		select {
		case ev := <-p.devices.Events():
			switch ev.Kind {
			case device.EventListChanged:
				log.Printf("Output devices changed: %d available", len(ev.Devices))
			case device.EventDeviceLost:
				log.Printf("Output device %q lost, using system default", ev.LostID)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Controls returns the media control surface
func (p *Player) Controls() *mediactl.Bridge {
	return p.bridge
}

// Controller returns the state controller for direct subscription
func (p *Player) Controller() *state.Controller {
	return p.controller
}

// Devices returns the output device manager
func (p *Player) Devices() *device.Manager {
	return p.devices
}

// Clock returns the server clock estimate
func (p *Player) Clock() *timesync.Clock {
	return p.clock
}

// Close shuts the player down in dependency order: transport first so no
// new frames arrive, then the controller, then the audio path.
func (p *Player) Close() {
	p.cancel()

	p.client.Disconnect()
	p.controller.Shutdown()
	p.devices.Stop()
	if p.discovery != nil {
		p.discovery.Stop()
	}
	p.bridge.Close()
	p.pipeline.Stop()

	log.Printf("Player stopped")
}
