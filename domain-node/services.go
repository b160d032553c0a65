package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/domain-node/storage"
)

// Built-in message kinds
const (
	KindPing                   dispatch.Kind = "Ping"
	KindGetMessageHandlerTypes dispatch.Kind = "GetMessageHandlerTypes"
	KindNodeInfo               dispatch.Kind = "NodeInfo"
	KindGetAttestation         dispatch.Kind = "GetAttestation"
	KindPutObject              dispatch.Kind = "PutObject"
	KindGetObject              dispatch.Kind = "GetObject"
	KindDeleteObject           dispatch.Kind = "DeleteObject"
	KindListObjects            dispatch.Kind = "ListObjects"
	KindRegisterUser           dispatch.Kind = "RegisterUser"
	KindRemoveUser             dispatch.Kind = "RemoveUser"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxObjectSize    = 4 * 1024 * 1024
)

var (
	existingUsers = dispatch.AuthPolicy{ExistingUsersOnly: true}
	rootOnly      = dispatch.AuthPolicy{RootOnly: true}
)

// clientError carries a message that is safe to return to the caller
type clientError struct {
	msg string
}

func (e *clientError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &clientError{msg: fmt.Sprintf(format, args...)}
}

// registerBuiltins binds the built-in service units
func registerBuiltins(reg *dispatch.Registry) error {
	units := []dispatch.ServiceUnit{
		dispatch.NewUnit(dispatch.Guests, handlePing, KindPing),
		dispatch.NewUnit(dispatch.Guests, handleHandlerTypes, KindGetMessageHandlerTypes),
		dispatch.NewUnit(dispatch.Guests, handleNodeInfo, KindNodeInfo),
		dispatch.NewUnit(dispatch.Guests, handleGetAttestation, KindGetAttestation),
		&objectService{},
		dispatch.NewUnit(rootOnly, handleRegisterUser, KindRegisterUser),
		dispatch.NewUnit(rootOnly, handleRemoveUser, KindRemoveUser),
	}
	for _, u := range units {
		if err := reg.RegisterUnit(u); err != nil {
			return err
		}
	}
	return nil
}

func nodeFrom(n dispatch.Node) (*Node, error) {
	node, ok := n.(*Node)
	if !ok || node == nil {
		return nil, fmt.Errorf("unexpected node context %T", n)
	}
	return node, nil
}

func handlePing(_ context.Context, _ dispatch.Node, _ *dispatch.Message, _ dispatch.VerifyKey) (any, error) {
	return map[string]bool{"pong": true}, nil
}

// HandlerTypesResponse lists the kinds a node serves
type HandlerTypesResponse struct {
	Kinds []dispatch.Kind `json:"kinds" cbor:"kinds"`
}

func handleHandlerTypes(_ context.Context, n dispatch.Node, _ *dispatch.Message, _ dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	return HandlerTypesResponse{Kinds: node.Kinds()}, nil
}

// NodeInfoResponse describes the node to callers
type NodeInfoResponse struct {
	NodeID        string `json:"node_id" cbor:"node_id"`
	VerifyKey     string `json:"verify_key" cbor:"verify_key"`
	Kinds         int    `json:"kinds" cbor:"kinds"`
	UptimeSeconds int64  `json:"uptime_seconds" cbor:"uptime_seconds"`
	DevMode       bool   `json:"dev_mode" cbor:"dev_mode"`
	Guest         bool   `json:"guest" cbor:"guest"`
}

func handleNodeInfo(_ context.Context, n dispatch.Node, _ *dispatch.Message, key dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	return NodeInfoResponse{
		NodeID:        node.ID,
		VerifyKey:     node.Identity.VerifyKey.String(),
		Kinds:         len(node.Kinds()),
		UptimeSeconds: int64(node.Uptime() / time.Second),
		DevMode:       node.DevMode,
		Guest:         key == nil,
	}, nil
}

type attestationRequest struct {
	Nonce []byte `json:"nonce"`
}

func handleGetAttestation(_ context.Context, n dispatch.Node, msg *dispatch.Message, _ dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	var req attestationRequest
	if err := msg.Payload.Bind(&req); err != nil {
		return nil, badRequest("invalid attestation request")
	}
	if len(req.Nonce) == 0 {
		return nil, badRequest("nonce is required")
	}
	if len(req.Nonce) > MaxNonceSize {
		return nil, badRequest("nonce exceeds %d bytes", MaxNonceSize)
	}
	attester := node.Attester
	if attester == nil {
		attester = MockAttester{ModuleID: node.ID}
	}
	return attester.Attest(req.Nonce, node.Identity.VerifyKey)
}

// objectService serves the object kinds to registered users. Objects are
// owned by the key that first wrote them; root may touch any object.
type objectService struct{}

func (*objectService) Kinds() []dispatch.Kind {
	return []dispatch.Kind{KindPutObject, KindGetObject, KindDeleteObject, KindListObjects}
}

func (*objectService) Policy() dispatch.Policy { return existingUsers }

type objectRequest struct {
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

// ObjectResponse is returned by GetObject
type ObjectResponse struct {
	Key       string `json:"key" cbor:"key"`
	Value     []byte `json:"value" cbor:"value"`
	Owner     string `json:"owner" cbor:"owner"`
	UpdatedAt int64  `json:"updated_at" cbor:"updated_at"`
}

func (s *objectService) Execute(ctx context.Context, n dispatch.Node, msg *dispatch.Message, key dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	var req objectRequest
	if err := msg.Payload.Bind(&req); err != nil {
		return nil, badRequest("invalid object request")
	}
	if msg.Kind != KindListObjects && req.Key == "" {
		return nil, badRequest("key is required")
	}

	switch msg.Kind {
	case KindPutObject:
		if len(req.Value) > maxObjectSize {
			return nil, badRequest("value exceeds %d bytes", maxObjectSize)
		}
		root, _ := node.IsRoot(ctx, key)
		err := node.Store.PutAs(req.Key, req.Value, key.String(), root)
		if errors.Is(err, storage.ErrNotOwner) {
			return nil, badRequest("object %q is owned by another user", req.Key)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"key": req.Key}, nil

	case KindGetObject:
		obj, err := node.Store.Get(req.Key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, badRequest("object %q not found", req.Key)
		}
		if err != nil {
			return nil, err
		}
		return ObjectResponse{Key: obj.Key, Value: obj.Value, Owner: obj.Owner, UpdatedAt: obj.UpdatedAt}, nil

	case KindDeleteObject:
		root, _ := node.IsRoot(ctx, key)
		err := node.Store.DeleteAs(req.Key, key.String(), root)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			return nil, badRequest("object %q not found", req.Key)
		case errors.Is(err, storage.ErrNotOwner):
			return nil, badRequest("object %q is owned by another user", req.Key)
		case err != nil:
			return nil, err
		}
		return map[string]string{"key": req.Key}, nil

	case KindListObjects:
		limit := req.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		keys, err := node.Store.List(req.Prefix, limit)
		if err != nil {
			return nil, err
		}
		if keys == nil {
			keys = []string{}
		}
		return map[string][]string{"keys": keys}, nil
	}
	return nil, fmt.Errorf("object service cannot handle %q", msg.Kind)
}

type userRequest struct {
	VerifyKey string   `json:"verify_key"`
	Name      string   `json:"name"`
	Roles     []string `json:"roles"`
}

func handleRegisterUser(_ context.Context, n dispatch.Node, msg *dispatch.Message, _ dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	var req userRequest
	if err := msg.Payload.Bind(&req); err != nil {
		return nil, badRequest("invalid user request")
	}
	vk, err := dispatch.ParseVerifyKey(req.VerifyKey)
	if err != nil || vk == nil {
		return nil, badRequest("verify_key must be a 32-byte hex or base64 key")
	}
	if err := node.Store.PutUser(&storage.User{VerifyKey: vk.String(), Name: req.Name, Roles: req.Roles}); err != nil {
		return nil, err
	}
	return map[string]string{"verify_key": vk.String()}, nil
}

func handleRemoveUser(_ context.Context, n dispatch.Node, msg *dispatch.Message, _ dispatch.VerifyKey) (any, error) {
	node, err := nodeFrom(n)
	if err != nil {
		return nil, err
	}
	vk, err := dispatch.ParseVerifyKey(msg.Payload.String("verify_key"))
	if err != nil || vk == nil {
		return nil, badRequest("verify_key must be a 32-byte hex or base64 key")
	}
	if err := node.Store.DeleteUser(vk.String()); errors.Is(err, storage.ErrUserNotFound) {
		return nil, badRequest("user not registered")
	} else if err != nil {
		return nil, err
	}
	return map[string]string{"verify_key": vk.String()}, nil
}
