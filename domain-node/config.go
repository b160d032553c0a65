package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the domain node configuration
type Config struct {
	// NodeID names this node in subjects, logs and key derivation
	NodeID string `yaml:"node_id"`

	// DevMode enables development mode (TCP instead of vsock, generated keys)
	DevMode bool `yaml:"dev_mode"`

	// Codec is the default wire codec: "json" or "cbor"
	Codec string `yaml:"codec"`

	NATS     NATSConfig     `yaml:"nats"`
	Vsock    VsockConfig    `yaml:"vsock"`
	Health   HealthConfig   `yaml:"health"`
	Storage  StorageConfig  `yaml:"storage"`
	Identity IdentityConfig `yaml:"identity"`
	Replay   ReplayConfig   `yaml:"replay"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	// Subject overrides the request subject (default Domain.{node_id}.request)
	Subject string `yaml:"subject"`
	// QueueGroup spreads requests across node replicas when set
	QueueGroup string `yaml:"queue_group"`
}

// VsockConfig holds the enclave listener settings
type VsockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint32 `yaml:"port"`
	// TCPPort is used instead of vsock in dev mode
	TCPPort uint16 `yaml:"tcp_port"`
}

// HealthConfig holds health endpoint settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig holds node store settings
type StorageConfig struct {
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

// IdentityConfig locates the node signing key
type IdentityConfig struct {
	// KeyFile holds the base64 Ed25519 seed, or a KMS ciphertext of it when
	// KMSKeyID is set
	KeyFile  string `yaml:"key_file"`
	KMSKeyID string `yaml:"kms_key_id"`
	Region   string `yaml:"region"`
	// RootKeys are hex verify keys treated as root in addition to the node key
	RootKeys []string `yaml:"root_keys"`
}

// ReplayConfig holds replay protection settings
type ReplayConfig struct {
	MaxAgeSeconds    int `yaml:"max_age_seconds"`
	RetentionSeconds int `yaml:"retention_seconds"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		NodeID: "domain-dev",
		Codec:  "json",
		NATS: NATSConfig{
			Enabled:         true,
			URL:             "nats://127.0.0.1:4222",
			CredentialsFile: "/etc/syft-node/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Vsock: VsockConfig{
			Enabled: false,
			Port:    5005,
			TCPPort: 5005,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			Path:      "/var/lib/syft-node/node.db",
			CacheSize: 256,
		},
		Identity: IdentityConfig{
			KeyFile: "/etc/syft-node/node.key",
			Region:  "us-east-1",
		},
		Replay: ReplayConfig{
			MaxAgeSeconds:    300,
			RetentionSeconds: 600,
		},
	}
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.Codec != "json" && c.Codec != "cbor" {
		return fmt.Errorf("unsupported codec %q (want json or cbor)", c.Codec)
	}
	if !c.NATS.Enabled && !c.Vsock.Enabled {
		return fmt.Errorf("at least one transport (nats or vsock) must be enabled")
	}
	if c.Replay.RetentionSeconds < c.Replay.MaxAgeSeconds {
		return fmt.Errorf("replay retention (%ds) must cover max age (%ds)", c.Replay.RetentionSeconds, c.Replay.MaxAgeSeconds)
	}
	return nil
}

// RequestSubject returns the NATS subject the node serves
func (c *Config) RequestSubject() string {
	if c.NATS.Subject != "" {
		return c.NATS.Subject
	}
	return fmt.Sprintf("Domain.%s.request", c.NodeID)
}
