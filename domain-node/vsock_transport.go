package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/wire"
)

// maxFrameSize bounds a single request or reply frame
const maxFrameSize = 10 * 1024 * 1024

// ListenVsock listens on the enclave vsock port
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	return l, nil
}

// ListenTCP listens on a local TCP port in place of vsock in dev mode
func ListenTCP(port uint16) (net.Listener, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}
	return l, nil
}

// StreamTransport serves length-prefixed frames over a stream listener.
// Every frame is one envelope in the transport codec; replies go back on
// the connection the request arrived on, possibly out of order.
type StreamTransport struct {
	listener net.Listener
	codec    wire.Codec
	handler  *Handler

	conns map[net.Conn]struct{}
	mu    sync.Mutex
	wg    sync.WaitGroup
}

// NewStreamTransport creates a transport over listener
func NewStreamTransport(listener net.Listener, codec wire.Codec, handler *Handler) *StreamTransport {
	return &StreamTransport{
		listener: listener,
		codec:    codec,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Addr returns the listen address
func (t *StreamTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Serve accepts connections until ctx is cancelled
func (t *StreamTransport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.listener.Close()
		t.mu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
	}()

	log.Info().Str("addr", t.listener.Addr().String()).Str("codec", t.codec.Name()).Msg("Serving requests over stream listener")
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				t.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		t.track(conn, true)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.track(conn, false)
			t.serveConn(ctx, conn)
		}()
	}
}

func (t *StreamTransport) track(conn net.Conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[conn] = struct{}{}
	} else {
		delete(t.conns, conn)
		conn.Close()
	}
}

func (t *StreamTransport) serveConn(ctx context.Context, conn net.Conn) {
	var writeMu sync.Mutex
	var pending sync.WaitGroup
	defer pending.Wait()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Connection read failed")
			}
			return
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			out, _, err := t.handler.Handle(ctx, t.codec, frame, "")
			if err != nil {
				log.Error().Err(err).Msg("Failed to build reply")
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := WriteFrame(conn, out); err != nil {
				log.Debug().Err(err).Msg("Failed to write reply")
			}
		}()
	}
}

// ReadFrame reads one frame with a 4-byte big-endian length prefix
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame writes data with a 4-byte big-endian length prefix
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}
