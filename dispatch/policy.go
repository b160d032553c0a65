package dispatch

import (
	"context"
	"fmt"
)

// Policy is the authorization declaration stored alongside a registry entry.
// Permit is called only after the caller's key has been verified; key is nil
// for guests.
type Policy interface {
	AllowsGuests() bool
	Permit(ctx context.Context, dir KeyDirectory, key VerifyKey) error
}

// KeyDirectory answers identity questions about verified keys. The node
// context implements it; a nil directory fails every check that needs one.
type KeyDirectory interface {
	IsRoot(ctx context.Context, key VerifyKey) (bool, error)
	Roles(ctx context.Context, key VerifyKey) (roles []string, known bool, err error)
}

// AuthPolicy covers guest access plus root, existing-user and role checks.
// The zero value requires an authenticated caller and nothing else.
type AuthPolicy struct {
	GuestsWelcome     bool
	RootOnly          bool
	ExistingUsersOnly bool
	Roles             []string // caller needs at least one
}

// Guests is the policy for units that anonymous callers may run.
var Guests = AuthPolicy{GuestsWelcome: true}

// Authenticated is the policy for units that need any verified caller.
var Authenticated = AuthPolicy{}

func (p AuthPolicy) AllowsGuests() bool { return p.GuestsWelcome }

func (p AuthPolicy) Permit(ctx context.Context, dir KeyDirectory, key VerifyKey) error {
	if key == nil {
		// Guests only reach here when GuestsWelcome is set.
		return nil
	}
	if !p.RootOnly && !p.ExistingUsersOnly && len(p.Roles) == 0 {
		return nil
	}
	if dir == nil {
		return fmt.Errorf("%w: no key directory available", ErrPermissionDenied)
	}

	if p.RootOnly {
		root, err := dir.IsRoot(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: root lookup failed: %v", ErrPermissionDenied, err)
		}
		if !root {
			return fmt.Errorf("%w: root key required", ErrPermissionDenied)
		}
		return nil
	}

	roles, known, err := dir.Roles(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: user lookup failed: %v", ErrPermissionDenied, err)
	}
	if !known {
		// Root is always an existing user but holds no roles.
		if len(p.Roles) == 0 {
			if root, rerr := dir.IsRoot(ctx, key); rerr == nil && root {
				return nil
			}
		}
		return fmt.Errorf("%w: unknown user", ErrPermissionDenied)
	}
	if len(p.Roles) == 0 {
		return nil
	}
	for _, want := range p.Roles {
		for _, have := range roles {
			if want == have {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: requires one of roles %v", ErrPermissionDenied, p.Roles)
}

// Authorize decides whether the caller identified by key may run a unit
// guarded by policy. It returns nil to allow and a typed dispatch error to
// deny. It has no side effects and is safe for concurrent use.
func Authorize(ctx context.Context, policy Policy, verifier Verifier, dir KeyDirectory, key VerifyKey, msg *Message) error {
	if policy == nil {
		policy = Authenticated
	}
	if key == nil {
		if !policy.AllowsGuests() {
			return ErrAuthenticationRequired
		}
		return policy.Permit(ctx, dir, nil)
	}
	if verifier == nil {
		verifier = Ed25519Verifier{}
	}
	if err := verifier.Verify(key, msg); err != nil {
		return err
	}
	return policy.Permit(ctx, dir, key)
}
