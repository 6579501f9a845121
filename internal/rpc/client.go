package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

// DefaultCallTimeout bounds one-shot calls whose context has no deadline.
const DefaultCallTimeout = 30 * time.Second

const handshakeTimeout = 10 * time.Second

// Dial opens a session to the server at endpoint. handlers serve calls the
// server makes on the session.
func Dial(ctx context.Context, endpoint string, handlers Handlers, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = logger.Named("rpc")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, "ws://"+endpoint+sessionPath, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	sess := newSession(ws, endpoint, handlers, log)
	go sess.serve()
	return sess, nil
}

// Post makes a one-shot call of op on the server at endpoint and
// unmarshals the reply into out when out is not nil.
func Post(ctx context.Context, endpoint, op string, payload, out any) error {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}

	timeout := DefaultCallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	client := fiber.AcquireClient()
	defer fiber.ReleaseClient(client)

	req := client.Post("http://" + endpoint + callPrefix + op)
	req.Timeout(timeout)
	req.Body(body)
	req.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	code, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("call %s on %s: %w", op, endpoint, errs[0])
	}

	if code != fiber.StatusOK {
		var eb ErrorBody
		if err := sonic.Unmarshal(respBody, &eb); err == nil && eb.Code != "" {
			return eb.Err()
		}
		return dcferr.New(dcferr.CodeInternal, fmt.Sprintf("call %s failed with status %d", op, code))
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s reply: %w", op, err)
	}
	return nil
}
