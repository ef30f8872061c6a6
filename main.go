// ABOUTME: Entry point for the Sendspin player core
// ABOUTME: Parses CLI flags, loads configuration, and runs the player
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sendspin/playercore-go/internal/app"
	"github.com/Sendspin/playercore-go/internal/config"
	"github.com/joho/godotenv"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	serverURL  = flag.String("server", "", "Server address (skip mDNS discovery)")
	token      = flag.String("token", "", "Bearer token for authentication")
	name       = flag.String("name", "", "Player friendly name (default: hostname-sendspin)")
	device     = flag.String("device", "", "Output device ID (default: system default)")
	logFile    = flag.String("log-file", "", "Log file path (default: stderr only)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// A local .env is convenient for development; absence is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Flags win over both file and environment
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *token != "" {
		cfg.Server.Token = *token
	}
	if *name != "" {
		cfg.Player.Name = *name
	}
	if *device != "" {
		cfg.Audio.Device = *device
	}
	if *debug {
		cfg.Debug = true
	}

	if cfg.Player.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Player.Name = fmt.Sprintf("%s-sendspin", hostname)
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	log.Printf("Starting Sendspin player: %s", cfg.Player.Name)

	player := app.New(cfg)

	if err := player.Start(); err != nil {
		log.Fatalf("Failed to start player: %v", err)
	}

	if cfg.Audio.Device != "" {
		if err := player.Devices().Select(cfg.Audio.Device); err != nil {
			log.Printf("Could not select output device %q: %v", cfg.Audio.Device, err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("Shutdown signal received")

	player.Close()
}
