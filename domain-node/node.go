package main

import (
	"context"
	"errors"
	"time"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/domain-node/storage"
)

// Node is the context handed to every service unit. It owns the node
// identity and store and answers key directory queries for the dispatcher.
type Node struct {
	ID       string
	Identity *Identity
	Store    *storage.Store
	Attester Attester
	DevMode  bool

	registry *dispatch.Registry
	rootKeys map[string]struct{}
	started  time.Time
}

// NewNode creates the node context. The node's own verify key is always root.
func NewNode(id string, identity *Identity, store *storage.Store, registry *dispatch.Registry, rootKeys []dispatch.VerifyKey) *Node {
	roots := map[string]struct{}{identity.VerifyKey.String(): {}}
	for _, k := range rootKeys {
		roots[k.String()] = struct{}{}
	}
	return &Node{
		ID:       id,
		Identity: identity,
		Store:    store,
		registry: registry,
		rootKeys: roots,
		started:  time.Now(),
	}
}

// IsRoot reports whether key is the node key or a configured root key.
func (n *Node) IsRoot(_ context.Context, key dispatch.VerifyKey) (bool, error) {
	_, ok := n.rootKeys[key.String()]
	return ok, nil
}

// Roles looks key up in the user table. Root keys are always known.
func (n *Node) Roles(ctx context.Context, key dispatch.VerifyKey) ([]string, bool, error) {
	user, err := n.Store.GetUser(key.String())
	if errors.Is(err, storage.ErrUserNotFound) {
		root, _ := n.IsRoot(ctx, key)
		return nil, root, nil
	}
	if err != nil {
		return nil, false, err
	}
	return user.Roles, true, nil
}

// Kinds lists the message kinds this node serves.
func (n *Node) Kinds() []dispatch.Kind {
	if n.registry == nil {
		return nil
	}
	return n.registry.Kinds()
}

// Uptime returns the time since the node context was created.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.started)
}
