package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pcsoni007/syft-node/deploy"
	"github.com/pcsoni007/syft-node/proxy"
)

// Config is the deployctl configuration file
type Config struct {
	API      APIConfig         `yaml:"api"`
	Template deploy.Template   `yaml:"template"`
	Keys     KeysConfig        `yaml:"keys"`
	Ledger   LedgerConfig      `yaml:"ledger"`
	NATS     NATSConfig        `yaml:"nats"`
	Proxy    ProxyConfig       `yaml:"proxy"`
	Peers    []PeerConfig      `yaml:"peers"`
	Outbound []string          `yaml:"outbound"`
	Defaults DeploymentDefault `yaml:"defaults"`
}

// APIConfig locates the deployment service
type APIConfig struct {
	URL       string `yaml:"url"`
	APIKeyEnv string `yaml:"api_key_env"` // environment variable holding the API key
}

// KeysConfig lists where named public keys are looked up, in order
type KeysConfig struct {
	Dir           string `yaml:"dir"`
	SSMPrefix     string `yaml:"ssm_prefix"`
	SecretsPrefix string `yaml:"secrets_prefix"`
	Region        string `yaml:"region"`
}

// LedgerConfig enables the DynamoDB deployment ledger when Table is set
type LedgerConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

// NATSConfig is the connection used to reach nodes
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

// ProxyConfig overrides where the proxy is downloaded from and installed
type ProxyConfig struct {
	BaseURL string `yaml:"base_url"`
	Version string `yaml:"version"`
	BinDir  string `yaml:"bin_dir"`
	WorkDir string `yaml:"work_dir"`
	Region  string `yaml:"region"`
}

// PeerConfig is a node joining a deployment. Key is used as is; otherwise
// the key is fetched from NodeID over NATS.
type PeerConfig struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	NodeID string `yaml:"node_id"`
}

// DeploymentDefault pre-fills deploy flags
type DeploymentDefault struct {
	Region string `yaml:"region"`
	Infra  string `yaml:"infra"`
}

// DefaultConfig returns the configuration used without a file
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{APIKeyEnv: "DEPLOY_API_KEY"},
		Template: deploy.Template{
			Owner:      "OpenMined",
			Repo:       "syft-enclave",
			VCS:        "github",
			Ref:        "main",
			Visibility: "private",
		},
		Keys: KeysConfig{Dir: deploy.DefaultKeyDir()},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222", TimeoutMS: 10000},
		Proxy: ProxyConfig{
			BaseURL: proxy.DefaultBaseURL,
			Version: proxy.DefaultVersion,
			BinDir:  proxy.DefaultBinDir,
			WorkDir: ".",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Keys.Dir = expandHome(cfg.Keys.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts every command relies on
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if p.Key == "" && p.NodeID == "" {
			return fmt.Errorf("peer %s: key or node_id is required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("peer %s listed twice", p.Name)
		}
		seen[p.Name] = true
	}
	if c.NATS.TimeoutMS < 0 {
		return fmt.Errorf("nats.timeout_ms must not be negative")
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
