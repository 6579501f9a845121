// Package rpc carries named operations between the master and its workers.
//
// A Session is one websocket connection on which both ends may issue calls;
// replies are matched to calls by id. One-shot calls that need no session
// (worker registration) go over plain HTTP POST.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"yqhp/dcf/pkg/dcferr"
)

// Kind distinguishes calls from replies.
type Kind string

const (
	KindCall  Kind = "call"
	KindReply Kind = "reply"
)

// Message is the envelope of every websocket frame.
type Message struct {
	ID      uint64          `json:"id"`
	Kind    Kind            `json:"kind"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is a coded error on the wire.
type ErrorBody struct {
	Code    dcferr.Code `json:"code"`
	Message string      `json:"message"`
}

// Err rebuilds the coded error.
func (b *ErrorBody) Err() error {
	return dcferr.FromWire(b.Code, b.Message)
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Code: dcferr.CodeOf(err), Message: dcferr.MessageOf(err)}
}

// ErrSessionClosed is returned by calls on, or interrupted by, a closed
// session.
var ErrSessionClosed = errors.New("rpc: session closed")

// Handler serves one operation. sess is nil for one-shot HTTP calls.
type Handler func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error)

// Handlers maps operation names to handlers.
type Handlers map[string]Handler

// invoke runs the handler for op, converting a panic into an internal error.
func (h Handlers) invoke(ctx context.Context, sess *Session, op string, payload json.RawMessage) (result any, err error) {
	handler, ok := h[op]
	if !ok {
		return nil, dcferr.BadRequest(fmt.Sprintf("unknown operation: %s", op), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = dcferr.New(dcferr.CodeInternal, fmt.Sprintf("handler %s panicked: %v\n%s", op, r, debug.Stack()))
		}
	}()

	return handler(ctx, sess, payload)
}
