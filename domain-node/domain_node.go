package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/domain-node/storage"
	"github.com/pcsoni007/syft-node/wire"
)

// DomainNode wires the node context to its transports
type DomainNode struct {
	cfg        *Config
	node       *Node
	dispatcher *dispatch.Dispatcher
	guard      *ReplayGuard
	codecs     *wire.Codecs
	handler    *Handler
	health     *HealthServer
	natsConn   *nats.Conn
}

// NewDomainNode loads the identity, opens the store and builds the sealed
// registry and dispatcher
func NewDomainNode(ctx context.Context, cfg *Config) (*DomainNode, error) {
	sealer, err := identitySealer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	identity, err := LoadIdentity(ctx, cfg.Identity.KeyFile, sealer, cfg.DevMode)
	if err != nil {
		return nil, err
	}

	var rootKeys []dispatch.VerifyKey
	for _, s := range cfg.Identity.RootKeys {
		k, err := dispatch.ParseVerifyKey(s)
		if err != nil || k == nil {
			return nil, fmt.Errorf("invalid root key %q", s)
		}
		rootKeys = append(rootKeys, k)
	}

	dek, err := storage.DeriveDEK(identity.Seed(), cfg.NodeID)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.Path, cfg.NodeID, dek, cfg.Storage.CacheSize)
	if err != nil {
		return nil, err
	}

	registry := dispatch.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register service units: %w", err)
	}
	registry.Seal()

	node := NewNode(cfg.NodeID, identity, store, registry, rootKeys)
	node.DevMode = cfg.DevMode
	node.Attester = NewAttester()

	codecs, err := wire.NewCodecs(cfg.Codec)
	if err != nil {
		store.Close()
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(registry)
	guard := NewReplayGuard(cfg.Replay, store)

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("verify_key", identity.VerifyKey.String()).
		Int("kinds", registry.Len()).
		Int("root_keys", len(rootKeys)).
		Msg("Node context ready")

	return &DomainNode{
		cfg:        cfg,
		node:       node,
		dispatcher: dispatcher,
		guard:      guard,
		codecs:     codecs,
		handler:    NewHandler(node, dispatcher, guard),
	}, nil
}

// Run starts the configured transports and blocks until ctx is cancelled
func (d *DomainNode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var transports []func(context.Context) error
	var natsStatus func() string

	if d.cfg.NATS.Enabled {
		conn, err := ConnectNATS(d.cfg.NATS, "syft-node-"+d.cfg.NodeID)
		if err != nil {
			return err
		}
		d.natsConn = conn
		t := NewNATSTransport(conn, d.cfg.RequestSubject(), d.cfg.NATS.QueueGroup, d.codecs, d.handler)
		transports = append(transports, t.Serve)
		natsStatus = t.Status
	}

	if d.cfg.Vsock.Enabled {
		var l net.Listener
		var err error
		if d.cfg.DevMode {
			l, err = ListenTCP(d.cfg.Vsock.TCPPort)
		} else {
			l, err = ListenVsock(d.cfg.Vsock.Port)
		}
		if err != nil {
			return err
		}
		st := NewStreamTransport(l, d.codecs.Default(), d.handler)
		transports = append(transports, st.Serve)
	}

	d.health = NewHealthServer(d.cfg.Health.Port, d.node, d.dispatcher, d.guard, natsStatus)
	go d.health.Start()
	defer d.health.Stop()

	go d.guard.Run(ctx)

	errCh := make(chan error, len(transports))
	var wg sync.WaitGroup
	for _, serve := range transports {
		wg.Add(1)
		go func(serve func(context.Context) error) {
			defer wg.Done()
			if err := serve(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(serve)
	}

	d.health.SetReady(true)
	log.Info().Int("transports", len(transports)).Msg("Domain node ready")

	wg.Wait()
	d.health.SetReady(false)
	close(errCh)
	return <-errCh
}

// Close releases the NATS connection and the store
func (d *DomainNode) Close() {
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			d.natsConn.Close()
		}
	}
	if err := d.node.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}
