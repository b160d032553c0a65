package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Dispatched      uint64 `json:"dispatched"`
	Succeeded       uint64 `json:"succeeded"`
	UnknownKind     uint64 `json:"unknown_kind"`
	Denied          uint64 `json:"denied"`
	HandlerFailures uint64 `json:"handler_failures"`
	Malformed       uint64 `json:"malformed"`
}

// Dispatcher routes messages to service units. It holds no per-request
// state and may be used from many goroutines at once.
type Dispatcher struct {
	registry  *Registry
	verifier  Verifier
	directory KeyDirectory
	logger    zerolog.Logger

	dispatched      atomic.Uint64
	succeeded       atomic.Uint64
	unknownKind     atomic.Uint64
	denied          atomic.Uint64
	handlerFailures atomic.Uint64
	malformed       atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithVerifier replaces the default Ed25519 signature verifier.
func WithVerifier(v Verifier) Option {
	return func(d *Dispatcher) { d.verifier = v }
}

// WithKeyDirectory fixes the directory used for policy checks. Without it
// the node value is used when it implements KeyDirectory.
func WithKeyDirectory(dir KeyDirectory) Option {
	return func(d *Dispatcher) { d.directory = dir }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over registry. A nil registry means the
// process-wide Default registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = defaultRegistry
	}
	d := &Dispatcher{
		registry: registry,
		verifier: Ed25519Verifier{},
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs msg through resolve, authorize and execute, and returns the
// reply addressed to msg.ReplyTo. Dispatch-layer failures are returned
// before the unit runs; unit failures come back as *HandlerError.
func (d *Dispatcher) Dispatch(ctx context.Context, node Node, msg *Message, key VerifyKey) (*Reply, error) {
	d.dispatched.Add(1)

	if msg == nil || msg.Kind == "" {
		d.malformed.Add(1)
		return nil, fmt.Errorf("%w: message has no kind", ErrMalformedMessage)
	}

	// Routing precedes authorization so unknown kinds reveal nothing about
	// policies.
	entry, err := d.registry.Resolve(msg.Kind)
	if err != nil {
		d.unknownKind.Add(1)
		d.logger.Debug().Str("kind", string(msg.Kind)).Str("id", msg.ID).Msg("Unknown message kind")
		return nil, err
	}

	dir := d.directory
	if dir == nil {
		dir, _ = node.(KeyDirectory)
	}
	if err := Authorize(ctx, entry.Policy, d.verifier, dir, key, msg); err != nil {
		d.denied.Add(1)
		d.logger.Warn().
			Err(err).
			Str("kind", string(msg.Kind)).
			Str("id", msg.ID).
			Bool("guest", key == nil).
			Msg("SECURITY: Dispatch denied")
		return nil, err
	}

	result, err := d.execute(ctx, entry, node, msg, key)
	if err != nil {
		d.handlerFailures.Add(1)
		d.logger.Error().Err(err).Str("kind", string(msg.Kind)).Str("id", msg.ID).Msg("Service unit failed")
		return nil, &HandlerError{Kind: msg.Kind, Err: err}
	}

	d.succeeded.Add(1)
	d.logger.Debug().Str("kind", string(msg.Kind)).Str("id", msg.ID).Str("reply_to", msg.ReplyTo).Msg("Dispatched")
	return newReply(msg, result), nil
}

// execute runs the unit, converting a panic into an error.
func (d *Dispatcher) execute(ctx context.Context, entry *Entry, node Node, msg *Message, key VerifyKey) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return entry.Unit.Execute(ctx, node, msg, key)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:      d.dispatched.Load(),
		Succeeded:       d.succeeded.Load(),
		UnknownKind:     d.unknownKind.Load(),
		Denied:          d.denied.Load(),
		HandlerFailures: d.handlerFailures.Load(),
		Malformed:       d.malformed.Load(),
	}
}
