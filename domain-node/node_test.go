package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/domain-node/storage"
)

type testNode struct {
	node       *Node
	dispatcher *dispatch.Dispatcher
	rootPriv   ed25519.PrivateKey
	rootKey    dispatch.VerifyKey
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	identity, err := GenerateIdentity()
	require.NoError(t, err)
	dek, err := storage.DeriveDEK(identity.Seed(), "node-test")
	require.NoError(t, err)
	store, err := storage.Open(":memory:", "node-test", dek, 16)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := dispatch.NewRegistry()
	require.NoError(t, registerBuiltins(registry))
	registry.Seal()

	rootKey, rootPriv := newKey(t)
	node := NewNode("node-test", identity, store, registry, []dispatch.VerifyKey{rootKey})
	node.Attester = MockAttester{ModuleID: "test"}

	return &testNode{
		node:       node,
		dispatcher: dispatch.NewDispatcher(registry),
		rootPriv:   rootPriv,
		rootKey:    rootKey,
	}
}

func newKey(t *testing.T) (dispatch.VerifyKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return dispatch.VerifyKey(pub), priv
}

func signedMessage(t *testing.T, priv ed25519.PrivateKey, kind dispatch.Kind, payload dispatch.Args) *dispatch.Message {
	t.Helper()
	msg := dispatch.NewMessage(kind, "Client.inbox", payload)
	require.NoError(t, dispatch.Sign(msg, priv))
	return msg
}

// call dispatches a signed message from priv, or a guest message when priv
// is nil
func (tn *testNode) call(t *testing.T, priv ed25519.PrivateKey, kind dispatch.Kind, payload dispatch.Args) (*dispatch.Reply, error) {
	t.Helper()
	if priv == nil {
		return tn.dispatcher.Dispatch(context.Background(), tn.node, dispatch.NewMessage(kind, "Client.inbox", payload), nil)
	}
	msg := signedMessage(t, priv, kind, payload)
	return tn.dispatcher.Dispatch(context.Background(), tn.node, msg, dispatch.VerifyKey(priv.Public().(ed25519.PublicKey)))
}

func (tn *testNode) addUser(t *testing.T, roles ...string) (dispatch.VerifyKey, ed25519.PrivateKey) {
	t.Helper()
	key, priv := newKey(t)
	_, err := tn.call(t, tn.rootPriv, KindRegisterUser, dispatch.Args{
		"verify_key": key.String(),
		"name":       "user",
		"roles":      roles,
	})
	require.NoError(t, err)
	return key, priv
}

func TestNodeKeyDirectory(t *testing.T) {
	tn := newTestNode(t)
	ctx := context.Background()

	root, err := tn.node.IsRoot(ctx, tn.node.Identity.VerifyKey)
	require.NoError(t, err)
	require.True(t, root, "node key is always root")

	root, _ = tn.node.IsRoot(ctx, tn.rootKey)
	require.True(t, root, "configured root key")

	stranger, _ := newKey(t)
	root, _ = tn.node.IsRoot(ctx, stranger)
	require.False(t, root)

	_, known, err := tn.node.Roles(ctx, stranger)
	require.NoError(t, err)
	require.False(t, known)

	_, known, _ = tn.node.Roles(ctx, tn.rootKey)
	require.True(t, known, "root keys are known without a user entry")

	userKey, _ := tn.addUser(t, "data-scientist")
	roles, known, err := tn.node.Roles(ctx, userKey)
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, []string{"data-scientist"}, roles)
}

func TestNodeKinds(t *testing.T) {
	tn := newTestNode(t)
	kinds := tn.node.Kinds()
	require.Len(t, kinds, 10)
	require.Contains(t, kinds, KindPing)
	require.Contains(t, kinds, KindRegisterUser)

	var empty Node
	require.Nil(t, empty.Kinds())
}
