package dispatch

import "context"

// Node is the host capability bundle handed to every service unit. The
// dispatch core passes it through unchanged and requires no methods of it.
type Node any

// ServiceUnit handles one or more message kinds.
type ServiceUnit interface {
	Kinds() []Kind
	Policy() Policy
	Execute(ctx context.Context, node Node, msg *Message, key VerifyKey) (any, error)
}

// ExecuteFunc is the signature of a unit body.
type ExecuteFunc func(ctx context.Context, node Node, msg *Message, key VerifyKey) (any, error)

// UnitFunc adapts a function into a ServiceUnit.
type UnitFunc struct {
	kinds  []Kind
	policy Policy
	fn     ExecuteFunc
}

// NewUnit builds a unit bound to kinds and guarded by policy.
func NewUnit(policy Policy, fn ExecuteFunc, kinds ...Kind) *UnitFunc {
	return &UnitFunc{kinds: kinds, policy: policy, fn: fn}
}

func (u *UnitFunc) Kinds() []Kind  { return u.kinds }
func (u *UnitFunc) Policy() Policy { return u.policy }

func (u *UnitFunc) Execute(ctx context.Context, node Node, msg *Message, key VerifyKey) (any, error) {
	return u.fn(ctx, node, msg, key)
}
