// Package deploy provisions enclave deployments that host a set of domain
// nodes. It validates the request, collects every participant's public key,
// builds the deployment build arguments and calls the deployment API. It
// never retries: missing key material fails the whole request before any
// remote call is made.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Supported deployment targets
var (
	SupportedRegions = []string{"us-east-1", "us-west-2", "eu-central-1", "eu-west-2"}
	SupportedInfra   = []string{"c5.xlarge", "m5.xlarge", "r5.xlarge", "c5.2xlarge", "m5.2xlarge"}
)

const (
	DefaultRegion = "us-east-1"
	DefaultInfra  = "m5.2xlarge"

	maxPromptAttempts = 5
)

var (
	// ErrKeyNotFound is returned when the operator's named key cannot be found
	ErrKeyNotFound = errors.New("key material not found")
	// ErrPeerKeyNotFound is returned when a participating node has no key
	ErrPeerKeyNotFound = errors.New("peer public key not found")
	// ErrInvalidRequest is returned for requests that cannot be completed
	// even with prompting
	ErrInvalidRequest = errors.New("invalid deployment request")
)

// Peer is a domain node taking part in a deployment
type Peer interface {
	Name() string
	PublicKey(ctx context.Context) (string, error)
}

// StaticPeer is a peer whose key is already known
type StaticPeer struct {
	PeerName string
	Key      string
}

func (p StaticPeer) Name() string { return p.PeerName }

func (p StaticPeer) PublicKey(context.Context) (string, error) {
	if p.Key == "" {
		return "", ErrPeerKeyNotFound
	}
	return p.Key, nil
}

// Request describes a deployment to create. Empty Name and KeyName are
// prompted for; unsupported Infra and Region are prompted for until valid.
type Request struct {
	Name     string
	KeyName  string
	Infra    string
	Region   string
	Peers    []Peer
	Outbound []string
}

// Deployment is the handle returned for a created deployment
type Deployment struct {
	ID      string   `json:"deployment_id"`
	Name    string   `json:"name"`
	Region  string   `json:"region"`
	Infra   string   `json:"infra"`
	KeyName string   `json:"key_name"`
	Owner   string   `json:"owner"`
	Peers   []string `json:"peers"`
}

// UserKey is one entry of the build argument user lists
type UserKey struct {
	UserName  string `json:"user_name" yaml:"user_name"`
	PublicKey string `json:"public key" yaml:"public key"`
}

// Users groups domain and operator keys
type Users struct {
	Domain []UserKey `json:"domain"`
	User   []UserKey `json:"user"`
}

// BuildArgs are passed to the enclave build
type BuildArgs struct {
	Auth           map[string]any `json:"auth"`
	Users          Users          `json:"users"`
	AdditionalArgs map[string]any `json:"additional_args"`
	InfraReqs      string         `json:"infra_reqs"`
	RuntimeArgs    string         `json:"runtime_args"`
}

// RuntimeArgs is the YAML document carried in BuildArgs.RuntimeArgs
type RuntimeArgs struct {
	Outbound []string `yaml:"outbound"`
}

// Template names the enclave source the deployment builds from
type Template struct {
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	VCS        string `yaml:"vcs"`
	Ref        string `yaml:"ref"`
	Visibility string `yaml:"visibility"`
}

// CreateInput is the deployment API request
type CreateInput struct {
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	VCS        string    `json:"vcs"`
	Ref        string    `json:"ref"`
	Region     string    `json:"region"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility"`
	IsDevEnv   bool      `json:"is_dev_env"`
	Tags       []string  `json:"tags"`
	BuildArgs  BuildArgs `json:"build_args"`
}

// API is the remote deployment service
type API interface {
	UserProfile(ctx context.Context) (login string, err error)
	CreateDeployment(ctx context.Context, in CreateInput) (deploymentID string, err error)
}

// Recorder keeps a ledger of created deployments
type Recorder interface {
	Record(ctx context.Context, d *Deployment) error
}

// Provisioner creates deployments
type Provisioner struct {
	api      API
	keys     KeySource
	prompter Prompter
	template Template
	recorder Recorder
}

// NewProvisioner creates a provisioner. prompter and recorder may be nil;
// without a prompter every missing value is an error.
func NewProvisioner(api API, keys KeySource, prompter Prompter, template Template, recorder Recorder) *Provisioner {
	return &Provisioner{
		api:      api,
		keys:     keys,
		prompter: prompter,
		template: template,
		recorder: recorder,
	}
}

// Create validates req, gathers key material and provisions the deployment
func (p *Provisioner) Create(ctx context.Context, req Request) (*Deployment, error) {
	if err := p.complete(&req); err != nil {
		return nil, err
	}

	userKey, err := p.keys.PublicKey(ctx, req.KeyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyNotFound, req.KeyName, err)
	}

	domainKeys := make([]UserKey, 0, len(req.Peers))
	peerNames := make([]string, 0, len(req.Peers))
	for _, peer := range req.Peers {
		key, err := peer.PublicKey(ctx)
		if err != nil || key == "" {
			return nil, fmt.Errorf("%w: %s", ErrPeerKeyNotFound, peer.Name())
		}
		domainKeys = append(domainKeys, UserKey{UserName: peer.Name(), PublicKey: key})
		peerNames = append(peerNames, peer.Name())
	}

	outbound := req.Outbound
	if outbound == nil {
		outbound = []string{}
	}
	runtimeArgs, err := yaml.Marshal(RuntimeArgs{Outbound: outbound})
	if err != nil {
		return nil, fmt.Errorf("failed to encode runtime args: %w", err)
	}

	login, err := p.api.UserProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user profile: %w", err)
	}

	in := CreateInput{
		Owner:      p.template.Owner,
		Repo:       p.template.Repo,
		VCS:        p.template.VCS,
		Ref:        p.template.Ref,
		Region:     req.Region,
		Name:       req.Name,
		Visibility: p.template.Visibility,
		IsDevEnv:   true,
		Tags:       []string{},
		BuildArgs: BuildArgs{
			Auth:           map[string]any{},
			AdditionalArgs: map[string]any{},
			Users: Users{
				Domain: domainKeys,
				User:   []UserKey{{UserName: login, PublicKey: userKey}},
			},
			InfraReqs:   req.Infra,
			RuntimeArgs: string(runtimeArgs),
		},
	}

	id, err := p.api.CreateDeployment(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	d := &Deployment{
		ID:      id,
		Name:    req.Name,
		Region:  req.Region,
		Infra:   req.Infra,
		KeyName: req.KeyName,
		Owner:   login,
		Peers:   peerNames,
	}
	log.Info().
		Str("deployment_id", id).
		Str("name", req.Name).
		Str("region", req.Region).
		Str("infra", req.Infra).
		Int("peers", len(peerNames)).
		Msg("Deployment created")

	if p.recorder != nil {
		// The deployment exists either way; a ledger failure is reported
		// alongside the handle.
		if err := p.recorder.Record(ctx, d); err != nil {
			return d, fmt.Errorf("deployment %s created but not recorded: %w", id, err)
		}
	}
	return d, nil
}

// complete fills defaults and prompts for missing or unsupported values
func (p *Provisioner) complete(req *Request) error {
	if req.Infra == "" {
		req.Infra = DefaultInfra
	}
	if req.Region == "" {
		req.Region = DefaultRegion
	}

	var err error
	if strings.TrimSpace(req.Name) == "" {
		if req.Name, err = p.ask("Deployment name", nil); err != nil {
			return err
		}
	}
	if strings.TrimSpace(req.KeyName) == "" {
		if req.KeyName, err = p.ask("Key name", nil); err != nil {
			return err
		}
	}
	if !slices.Contains(SupportedInfra, req.Infra) {
		if req.Infra, err = p.ask("Infra ("+strings.Join(SupportedInfra, ", ")+")", SupportedInfra); err != nil {
			return err
		}
	}
	if !slices.Contains(SupportedRegions, req.Region) {
		if req.Region, err = p.ask("Region ("+strings.Join(SupportedRegions, ", ")+")", SupportedRegions); err != nil {
			return err
		}
	}
	return nil
}

// ask prompts until the answer is non-empty and, when allowed is set, one
// of allowed. It gives up after maxPromptAttempts answers.
func (p *Provisioner) ask(question string, allowed []string) (string, error) {
	if p.prompter == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, strings.ToLower(question))
	}
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		answer, err := p.prompter.Prompt(question)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, question, err)
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}
		if allowed == nil || slices.Contains(allowed, answer) {
			return answer, nil
		}
	}
	return "", fmt.Errorf("%w: no valid answer for %s", ErrInvalidRequest, question)
}
