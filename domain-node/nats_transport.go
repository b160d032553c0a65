package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/wire"
)

const (
	headerContentType = "Content-Type"
	natsInboxSize     = 1024
	maxInFlight       = 256
)

// NATSTransport serves the node's request subject over NATS
type NATSTransport struct {
	conn     *nats.Conn
	subject  string
	queue    string
	codecs   *wire.Codecs
	handler  *Handler
	sub      *nats.Subscription
	inFlight chan struct{}
	wg       sync.WaitGroup
}

// ConnectNATS opens the NATS connection used by the transport
func ConnectNATS(cfg NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSTransport creates a transport on an open connection
func NewNATSTransport(conn *nats.Conn, subject, queue string, codecs *wire.Codecs, handler *Handler) *NATSTransport {
	return &NATSTransport{
		conn:     conn,
		subject:  subject,
		queue:    queue,
		codecs:   codecs,
		handler:  handler,
		inFlight: make(chan struct{}, maxInFlight),
	}
}

// Serve handles requests until ctx is cancelled, then drains in-flight work
func (t *NATSTransport) Serve(ctx context.Context) error {
	msgs := make(chan *nats.Msg, natsInboxSize)
	var err error
	if t.queue != "" {
		t.sub, err = t.conn.ChanQueueSubscribe(t.subject, t.queue, msgs)
	} else {
		t.sub, err = t.conn.ChanSubscribe(t.subject, msgs)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.subject, err)
	}
	log.Info().Str("subject", t.subject).Str("queue", t.queue).Msg("Serving requests over NATS")

	t.serveLoop(ctx, msgs)
	if err := t.sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	t.wg.Wait()
	return nil
}

// serveLoop hands each message to a worker slot until ctx is done. Waiting
// for a free slot also stops on ctx.
func (t *NATSTransport) serveLoop(ctx context.Context, msgs <-chan *nats.Msg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			select {
			case t.inFlight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			t.wg.Add(1)
			go func() {
				defer func() {
					<-t.inFlight
					t.wg.Done()
				}()
				t.handle(ctx, msg)
			}()
		}
	}
}

func (t *NATSTransport) handle(ctx context.Context, msg *nats.Msg) {
	contentType := ""
	if msg.Header != nil {
		contentType = msg.Header.Get(headerContentType)
	}
	codec, err := t.codecs.ForContentType(contentType)
	if err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("Rejecting request")
		codec = t.codecs.Default()
	}

	out, address, err := t.handler.Handle(ctx, codec, msg.Data, msg.Reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build reply")
		return
	}
	if address == "" {
		log.Debug().Msg("Request has no reply address, dropping reply")
		return
	}

	reply := nats.NewMsg(address)
	reply.Header.Set(headerContentType, codec.ContentType())
	reply.Data = out
	if err := t.conn.PublishMsg(reply); err != nil {
		log.Warn().Err(err).Str("address", address).Msg("Failed to deliver reply")
	}
}

// Status reports the connection state for health checks
func (t *NATSTransport) Status() string {
	return natsStatus(t.conn)
}

func natsStatus(conn *nats.Conn) string {
	switch conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
