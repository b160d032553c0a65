// Package client sends signed requests to a domain node over NATS and
// verifies the node's signed replies.
package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/wire"
)

const (
	headerContentType = "Content-Type"
	defaultTimeout    = 10 * time.Second
)

// ErrMismatchedReply is returned when a reply does not answer the request
var ErrMismatchedReply = errors.New("reply does not match request")

// RemoteError is an error reply from the node
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Requester is the request half of a NATS connection
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Client talks to one node. It is safe for concurrent use.
type Client struct {
	conn    Requester
	subject string
	codec   wire.Codec
	priv    ed25519.PrivateKey
	timeout time.Duration

	mu      sync.RWMutex
	nodeKey dispatch.VerifyKey
}

// Option configures a Client
type Option func(*Client)

// WithSigningKey signs every request with priv. Without it the client calls
// as a guest.
func WithSigningKey(priv ed25519.PrivateKey) Option {
	return func(c *Client) { c.priv = priv }
}

// WithNodeKey pins the key replies must be signed with
func WithNodeKey(key dispatch.VerifyKey) Option {
	return func(c *Client) { c.nodeKey = key }
}

// WithCodec selects the request codec; JSON by default
func WithCodec(codec wire.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithTimeout bounds each call when the context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the node serving subject
func New(conn Requester, subject string, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		subject: subject,
		codec:   wire.JSONCodec{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSubject returns the default request subject of a node
func RequestSubject(nodeID string) string {
	return "Domain." + nodeID + ".request"
}

// NodeKey returns the key that signed the last verified reply, or the
// pinned key
func (c *Client) NodeKey() dispatch.VerifyKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeKey
}

// Call sends kind with args and returns the verified reply. The reply is
// delivered to the NATS request inbox.
func (c *Client) Call(ctx context.Context, kind dispatch.Kind, args dispatch.Args) (*dispatch.Reply, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg := dispatch.NewMessage(kind, "", args)
	env := wire.Envelope{Message: msg}
	if c.priv != nil {
		if err := dispatch.Sign(msg, c.priv); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		env.VerifyKey = dispatch.VerifyKey(c.priv.Public().(ed25519.PublicKey)).String()
	}

	data, err := c.codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req := nats.NewMsg(c.subject)
	req.Data = data
	req.Header.Set(headerContentType, c.codec.ContentType())

	log.Debug().Str("subject", c.subject).Str("kind", string(kind)).Str("message_id", msg.ID).Msg("Sending request")
	resp, err := c.conn.RequestMsgWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", kind, err)
	}

	body, signer, err := wire.Open(c.codec, resp.Data, c.NodeKey())
	if err != nil {
		return nil, err
	}
	if body.InResponseTo != msg.ID {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrMismatchedReply, body.InResponseTo, msg.ID)
	}
	c.mu.Lock()
	c.nodeKey = signer
	c.mu.Unlock()

	if body.Error != nil {
		return nil, &RemoteError{Code: body.Error.Code, Message: body.Error.Message}
	}
	if body.Reply == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrMismatchedReply)
	}
	return body.Reply, nil
}

// Ping checks the node answers
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Call(ctx, "Ping", nil)
	if err != nil {
		return err
	}
	var out struct {
		Pong bool `json:"pong"`
	}
	if err := bindPayload(reply, &out); err != nil {
		return err
	}
	if !out.Pong {
		return fmt.Errorf("unexpected ping reply")
	}
	return nil
}

// Info is the NodeInfo reply
type Info struct {
	NodeID        string `json:"node_id"`
	VerifyKey     string `json:"verify_key"`
	Kinds         int    `json:"kinds"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DevMode       bool   `json:"dev_mode"`
	Guest         bool   `json:"guest"`
}

// NodeInfo fetches the node's identity
func (c *Client) NodeInfo(ctx context.Context) (*Info, error) {
	reply, err := c.Call(ctx, "NodeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := bindPayload(reply, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Kinds lists the message kinds the node serves
func (c *Client) Kinds(ctx context.Context) ([]string, error) {
	reply, err := c.Call(ctx, "GetMessageHandlerTypes", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Kinds []string `json:"kinds"`
	}
	if err := bindPayload(reply, &out); err != nil {
		return nil, err
	}
	return out.Kinds, nil
}

func bindPayload(reply *dispatch.Reply, into any) error {
	payload, ok := reply.Payload.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", reply.Kind, reply.Payload)
	}
	return dispatch.Args(payload).Bind(into)
}

// Peer names a node whose public key is fetched from the node itself
type Peer struct {
	PeerName string
	Client   *Client
}

func (p Peer) Name() string { return p.PeerName }

// PublicKey returns the node's verify key from NodeInfo
func (p Peer) PublicKey(ctx context.Context) (string, error) {
	info, err := p.Client.NodeInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch key of %s: %w", p.PeerName, err)
	}
	return info.VerifyKey, nil
}
