package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/pcsoni007/syft-node/client"
	"github.com/pcsoni007/syft-node/dispatch"
)

func pingCommand() *Command {
	cmd := &Command{
		Name:        "ping",
		Description: "Send Ping and NodeInfo to a node and verify its signed replies",
		Usage:       "deployctl ping -node node-id [-config file] [-seed-file file] [-node-key hex]",
		Examples: []string{
			"deployctl ping -node canada",
			"deployctl ping -node canada -seed-file ~/.syft/operator.key",
		},
	}
	cmd.Run = func(args []string) error {
		fs := cmd.NewFlagSet()
		configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
		nodeID := fs.String("node", "", "Node ID to ping")
		seedFile := fs.String("seed-file", "", "Base64 Ed25519 seed to sign requests with (guest when empty)")
		nodeKey := fs.String("node-key", "", "Expected node verify key")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *nodeID == "" {
			return fmt.Errorf("-node is required")
		}
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			return err
		}

		opts := []client.Option{client.WithTimeout(cfg.NATS.timeout())}
		if *seedFile != "" {
			priv, err := loadSeed(expandHome(*seedFile))
			if err != nil {
				return err
			}
			opts = append(opts, client.WithSigningKey(priv))
		}
		if *nodeKey != "" {
			key, err := dispatch.ParseVerifyKey(*nodeKey)
			if err != nil {
				return err
			}
			opts = append(opts, client.WithNodeKey(key))
		}

		conn, err := connectNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx := context.Background()
		c := client.New(conn, client.RequestSubject(*nodeID), opts...)
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping %s: %w", *nodeID, err)
		}
		info, err := c.NodeInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pong from %s (key %s, %d kinds, up %ds, guest=%t)\n",
			info.NodeID, c.NodeKey(), info.Kinds, info.UptimeSeconds, info.Guest)
		return nil
	}
	return cmd
}

// loadSeed reads a base64 Ed25519 seed, the format of node identity files
func loadSeed(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("seed is not base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
