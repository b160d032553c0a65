package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
	"github.com/pcsoni007/syft-node/wire"
)

// Handler turns one inbound frame into one signed outbound frame. It is
// shared by every transport and is safe for concurrent use.
type Handler struct {
	node       *Node
	dispatcher *dispatch.Dispatcher
	guard      *ReplayGuard
	logger     zerolog.Logger
}

// NewHandler creates a handler. guard may be nil to disable replay checks.
func NewHandler(node *Node, dispatcher *dispatch.Dispatcher, guard *ReplayGuard) *Handler {
	return &Handler{
		node:       node,
		dispatcher: dispatcher,
		guard:      guard,
		logger:     log.With().Str("component", "transport").Logger(),
	}
}

// Handle decodes data with codec, dispatches it and returns the encoded
// signed reply together with the address it must be delivered to. The
// address is the message's reply_to, or inbox when the message names none.
// Failures to process the request produce an error reply, not an error;
// the returned error only reports that no reply could be built.
func (h *Handler) Handle(ctx context.Context, codec wire.Codec, data []byte, inbox string) ([]byte, string, error) {
	body := h.process(ctx, codec, data, inbox)
	out, err := h.seal(codec, body)
	if err != nil {
		return nil, "", err
	}
	return out, body.Address, nil
}

func (h *Handler) process(ctx context.Context, codec wire.Codec, data []byte, inbox string) *wire.ReplyBody {
	var env wire.Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		h.logger.Debug().Err(err).Str("codec", codec.Name()).Msg("Failed to decode envelope")
		return errorBody("", inbox, fmt.Errorf("%w: %v", dispatch.ErrMalformedMessage, err))
	}
	if env.Message == nil {
		return errorBody("", inbox, fmt.Errorf("%w: envelope has no message", dispatch.ErrMalformedMessage))
	}
	msg := env.Message
	address := msg.ReplyTo
	if address == "" {
		address = inbox
	}

	key, err := dispatch.ParseVerifyKey(env.VerifyKey)
	if err != nil {
		return errorBody(msg.ID, address, err)
	}

	if h.guard != nil {
		if err := h.guard.Check(msg); err != nil {
			return errorBody(msg.ID, address, err)
		}
	}

	reply, err := h.dispatcher.Dispatch(ctx, h.node, msg, key)
	if err != nil {
		return errorBody(msg.ID, address, err)
	}
	if reply.Address == "" {
		reply.Address = address
	}
	return &wire.ReplyBody{InResponseTo: reply.InResponseTo, Address: reply.Address, Reply: reply}
}

// seal encodes body and signs the encoding with the node key
func (h *Handler) seal(codec wire.Codec, body *wire.ReplyBody) ([]byte, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		// A unit returned a value the codec cannot represent.
		h.logger.Error().Err(err).Str("codec", codec.Name()).Msg("Failed to encode reply")
		body = errorBody(body.InResponseTo, body.Address, err)
		if encoded, err = codec.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode error reply: %w", err)
		}
	}
	signed := wire.SignedReply{
		Body:      encoded,
		NodeKey:   h.node.Identity.VerifyKey.String(),
		Signature: h.node.Identity.Sign(encoded),
	}
	out, err := codec.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed reply: %w", err)
	}
	return out, nil
}

func errorBody(inResponseTo, address string, err error) *wire.ReplyBody {
	return &wire.ReplyBody{
		InResponseTo: inResponseTo,
		Address:      address,
		Error:        &wire.Error{Code: errorCode(err), Message: sanitizeError(err)},
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrReplayDetected):
		return CodeReplayDetected
	case errors.Is(err, ErrStaleMessage):
		return CodeStaleMessage
	}
	return dispatch.ErrorCode(err)
}

// sanitizeError returns a caller-safe description of err. Internal detail
// such as storage errors never leaves the node.
func sanitizeError(err error) string {
	var ce *clientError
	if errors.As(err, &ce) {
		return ce.msg
	}
	var he *dispatch.HandlerError
	if errors.As(err, &he) {
		return "operation failed"
	}
	for _, known := range []error{
		ErrReplayDetected,
		ErrStaleMessage,
		dispatch.ErrUnknownMessageKind,
		dispatch.ErrAuthenticationRequired,
		dispatch.ErrInvalidSignature,
		dispatch.ErrPermissionDenied,
		dispatch.ErrMalformedMessage,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
