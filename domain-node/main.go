// Package main implements the domain node process. It owns the node
// identity and encrypted store, and serves signed requests from NATS and
// the enclave vsock port through the dispatch core.
//
// SECURITY: Every request is authenticated and authorized by the dispatcher
// before any service unit runs.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/syft-node/node.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (TCP listener, generated keys)")
	nodeID := flag.String("node-id", "", "Node ID (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	initKey := flag.Bool("init-key", false, "Generate the identity key file and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *devMode || os.Getenv("NODE_DEV_MODE") == "true" {
		cfg.DevMode = true
	}
	if cfg.DevMode && !cfg.Vsock.Enabled && !cfg.NATS.Enabled {
		cfg.Vsock.Enabled = true
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("node_id", cfg.NodeID).
		Bool("dev_mode", cfg.DevMode).
		Msg("Domain node starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *initKey {
		if err := initIdentity(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to create identity key")
		}
		return
	}

	HardenProcess(DefaultHardeningConfig(cfg.DevMode))

	node, err := NewDomainNode(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create domain node")
	}
	defer node.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := node.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Domain node error")
	}
	log.Info().Msg("Domain node shutdown complete")
}

// initIdentity writes a fresh identity key, sealed with KMS when configured
func initIdentity(ctx context.Context, cfg *Config) error {
	if _, err := os.Stat(cfg.Identity.KeyFile); err == nil {
		log.Warn().Str("path", cfg.Identity.KeyFile).Msg("Identity key already exists, leaving it in place")
		return nil
	}
	sealer, err := identitySealer(ctx, cfg)
	if err != nil {
		return err
	}
	id, err := GenerateIdentity()
	if err != nil {
		return err
	}
	if err := WriteIdentity(ctx, cfg.Identity.KeyFile, id, sealer); err != nil {
		return err
	}
	log.Info().
		Str("path", cfg.Identity.KeyFile).
		Str("verify_key", id.VerifyKey.String()).
		Bool("kms_sealed", sealer != nil).
		Msg("Identity key created")
	return nil
}

func identitySealer(ctx context.Context, cfg *Config) (SeedSealer, error) {
	if cfg.Identity.KMSKeyID == "" {
		return nil, nil
	}
	return NewKMSSealer(ctx, cfg.Identity.Region, cfg.Identity.KMSKeyID)
}
