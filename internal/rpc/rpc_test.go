package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dcf/pkg/dcferr"
)

type echoPayload struct {
	Text string `json:"text"`
}

func startServer(t *testing.T, handlers Handlers) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{Host: "127.0.0.1"}, handlers, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func serverHandlers(block chan struct{}) Handlers {
	return Handlers{
		"/echo": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			var p echoPayload
			if err := sonic.Unmarshal(payload, &p); err != nil {
				return nil, dcferr.BadRequest("bad echo", err)
			}
			return p, nil
		},
		"/forbid": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			return nil, dcferr.Forbidden("not you")
		},
		"/panic": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			panic("kaboom")
		},
		"/block": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
		"/callback": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			var p echoPayload
			if err := sess.CallInto(ctx, "/client-echo", echoPayload{Text: "ping"}, &p); err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func TestSessionCall(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)
	defer sess.Close()

	var out echoPayload
	require.NoError(t, sess.CallInto(context.Background(), "/echo", echoPayload{Text: "hi"}, &out))
	assert.Equal(t, "hi", out.Text)
}

func TestSessionCallErrors(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Call(context.Background(), "/forbid", nil)
	assert.True(t, errors.Is(err, dcferr.ErrForbidden))
	assert.Contains(t, err.Error(), "not you")

	_, err = sess.Call(context.Background(), "/nope", nil)
	assert.True(t, errors.Is(err, dcferr.ErrBadRequest))

	_, err = sess.Call(context.Background(), "/panic", nil)
	require.Error(t, err)
	assert.Equal(t, dcferr.CodeInternal, dcferr.CodeOf(err))

	// the session survives handler failures
	var out echoPayload
	require.NoError(t, sess.CallInto(context.Background(), "/echo", echoPayload{Text: "still"}, &out))
	assert.Equal(t, "still", out.Text)
}

func TestServerCallsBackOnSession(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	clientHandlers := Handlers{
		"/client-echo": func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
			var p echoPayload
			_ = sonic.Unmarshal(payload, &p)
			p.Text += "-pong"
			return p, nil
		},
	}
	sess, err := Dial(context.Background(), srv.Endpoint(), clientHandlers, nil)
	require.NoError(t, err)
	defer sess.Close()

	var out echoPayload
	require.NoError(t, sess.CallInto(context.Background(), "/callback", nil, &out))
	assert.Equal(t, "ping-pong", out.Text)
}

func TestPendingCallFailsWhenSessionCloses(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := startServer(t, serverHandlers(block))

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Call(context.Background(), "/block", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	sess.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after close")
	}

	_, err = sess.Call(context.Background(), "/echo", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestServerSideCloseIsObserved(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	accepted := make(chan *Session, 1)
	srv.OnSession(func(s *Session) { accepted <- s })

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)

	serverSide := <-accepted
	assert.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	serverSide.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe close")
	}
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOnCloseRunsOnce(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	sess.OnClose(func() { calls.Add(1) })

	sess.Close()
	sess.Close()
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, sess.Closed())

	// registering after close runs immediately
	sess.OnClose(func() { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallContextCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := startServer(t, serverHandlers(block))

	sess, err := Dial(context.Background(), srv.Endpoint(), nil, nil)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.Call(ctx, "/block", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPost(t *testing.T) {
	srv := startServer(t, serverHandlers(nil))

	var out echoPayload
	require.NoError(t, Post(context.Background(), srv.Endpoint(), "/echo", echoPayload{Text: "once"}, &out))
	assert.Equal(t, "once", out.Text)

	err := Post(context.Background(), srv.Endpoint(), "/forbid", nil, nil)
	assert.True(t, errors.Is(err, dcferr.ErrForbidden))

	err = Post(context.Background(), srv.Endpoint(), "/missing", nil, nil)
	assert.True(t, errors.Is(err, dcferr.ErrBadRequest))
}

func TestPostUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := Post(ctx, "127.0.0.1:1", "/echo", nil, nil)
	assert.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", nil, nil)
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 401, statusOf(dcferr.Auth("x")))
	assert.Equal(t, 403, statusOf(dcferr.Forbidden("x")))
	assert.Equal(t, 404, statusOf(dcferr.UnknownWorker("w")))
	assert.Equal(t, 400, statusOf(dcferr.Decode("x", nil)))
	assert.Equal(t, 500, statusOf(errors.New("x")))
}
