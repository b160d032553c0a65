package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/nats-io/nats.go"

	"github.com/pcsoni007/syft-node/client"
	"github.com/pcsoni007/syft-node/deploy"
)

func deployCommand() *Command {
	cmd := &Command{
		Name:        "deploy",
		Description: "Provision an enclave deployment for a set of domain nodes",
		Usage:       "deployctl deploy [-config file] [-name name] [-key key-name] [-infra type] [-region region] [-no-prompt]",
		Examples: []string{
			"deployctl deploy -name covid-study -key ops",
			"deployctl deploy -config prod.yaml -region eu-west-2 -no-prompt",
		},
	}
	cmd.Run = func(args []string) error {
		fs := cmd.NewFlagSet()
		configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
		name := fs.String("name", "", "Deployment name")
		keyName := fs.String("key", "", "Name of the operator key")
		infra := fs.String("infra", "", "Instance type")
		region := fs.String("region", "", "AWS region")
		noPrompt := fs.Bool("no-prompt", false, "Fail instead of prompting for missing values")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			return err
		}
		if cfg.API.URL == "" {
			return fmt.Errorf("api.url is required")
		}

		ctx := context.Background()
		keys, err := buildKeySource(ctx, cfg.Keys)
		if err != nil {
			return err
		}
		recorder, err := buildRecorder(ctx, cfg.Ledger)
		if err != nil {
			return err
		}
		peers, closePeers, err := buildPeers(cfg)
		if err != nil {
			return err
		}
		defer closePeers()

		var prompter deploy.Prompter
		if !*noPrompt {
			prompter = deploy.NewLinePrompter(os.Stdin, os.Stderr)
		}
		api := deploy.NewHTTPClient(cfg.API.URL, os.Getenv(cfg.API.APIKeyEnv))
		p := deploy.NewProvisioner(api, keys, prompter, cfg.Template, recorder)

		req := deploy.Request{
			Name:     *name,
			KeyName:  *keyName,
			Infra:    firstNonEmpty(*infra, cfg.Defaults.Infra),
			Region:   firstNonEmpty(*region, cfg.Defaults.Region),
			Peers:    peers,
			Outbound: cfg.Outbound,
		}
		d, createErr := p.Create(ctx, req)
		if d != nil {
			out, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return createErr
	}
	return cmd
}

// buildKeySource chains the key directory with the SSM and Secrets Manager
// sources that are configured
func buildKeySource(ctx context.Context, cfg KeysConfig) (deploy.KeySource, error) {
	chain := deploy.ChainKeySource{deploy.FileKeySource{Dir: cfg.Dir}}
	if cfg.SSMPrefix == "" && cfg.SecretsPrefix == "" {
		return chain, nil
	}

	awsCfg, err := loadAWS(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	if cfg.SSMPrefix != "" {
		chain = append(chain, deploy.SSMKeySource{Client: ssm.NewFromConfig(awsCfg), Prefix: cfg.SSMPrefix})
	}
	if cfg.SecretsPrefix != "" {
		chain = append(chain, deploy.SecretsKeySource{Client: secretsmanager.NewFromConfig(awsCfg), Prefix: cfg.SecretsPrefix})
	}
	return chain, nil
}

func buildRecorder(ctx context.Context, cfg LedgerConfig) (deploy.Recorder, error) {
	if cfg.Table == "" {
		return nil, nil
	}
	awsCfg, err := loadAWS(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return deploy.NewDynamoLedger(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// buildPeers resolves configured peers. A NATS connection is opened only
// when some peer must be asked for its key.
func buildPeers(cfg *Config) ([]deploy.Peer, func(), error) {
	return resolvePeers(cfg.Peers, func() (client.Requester, func(), error) {
		conn, err := connectNATS(cfg.NATS)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}, cfg.NATS.timeout())
}

func resolvePeers(peers []PeerConfig, dial func() (client.Requester, func(), error), timeout time.Duration) ([]deploy.Peer, func(), error) {
	out := make([]deploy.Peer, 0, len(peers))
	var conn client.Requester
	closeFn := func() {}
	for _, p := range peers {
		if p.Key != "" {
			out = append(out, deploy.StaticPeer{PeerName: p.Name, Key: p.Key})
			continue
		}
		if conn == nil {
			c, done, err := dial()
			if err != nil {
				return nil, closeFn, err
			}
			conn, closeFn = c, done
		}
		out = append(out, client.Peer{
			PeerName: p.Name,
			Client:   client.New(conn, client.RequestSubject(p.NodeID), client.WithTimeout(timeout)),
		})
	}
	return out, closeFn, nil
}

func connectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("deployctl")}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (c NATSConfig) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
