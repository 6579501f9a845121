package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 256
	pingInterval   = 20 * time.Second
)

// wireConn is satisfied by both gorilla and fiber websocket connections.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live connection. It is invalidated exactly once; after
// that every pending and future call fails with ErrSessionClosed.
type Session struct {
	id       string
	remote   string
	conn     wireConn
	handlers Handlers
	log      *zap.Logger

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	closed  bool
	pending map[uint64]chan *Message
	onClose []func()
}

func newSession(conn wireConn, remote string, handlers Handlers, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:       id,
		remote:   remote,
		conn:     conn,
		handlers: handlers,
		log:      log.With(zap.String("session", id), zap.String("remote", remote)),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]chan *Message),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remote }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session closes. Handlers run under it.
func (s *Session) Context() context.Context { return s.ctx }

// Closed reports whether the session has closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// OnClose registers fn to run once when the session closes. If it already
// has, fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close invalidates the session. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		hooks := s.onClose
		s.onClose = nil
		s.pending = make(map[uint64]chan *Message)
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		err = s.conn.Close()

		s.log.Debug("会话已关闭")
		for _, fn := range hooks {
			fn()
		}
	})
	return err
}

// Call invokes op on the peer and waits for the reply. It fails with
// ErrSessionClosed when the session closes before the reply arrives.
func (s *Session) Call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	id := s.nextID.Add(1)
	ch := make(chan *Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	frame, err := sonic.Marshal(&Message{ID: id, Kind: KindCall, Op: op, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s call: %w", op, err)
	}
	if err := s.enqueue(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return unwrapReply(reply)
	case <-s.done:
		select {
		case reply := <-ch:
			return unwrapReply(reply)
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto calls op and unmarshals the reply into out.
func (s *Session) CallInto(ctx context.Context, op string, payload, out any) error {
	raw, err := s.Call(ctx, op, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s reply: %w", op, err)
	}
	return nil
}

func unwrapReply(reply *Message) (json.RawMessage, error) {
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return reply.Payload, nil
}

func (s *Session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) enqueue(ctx context.Context, frame []byte) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the pumps and blocks until the connection ends.
func (s *Session) serve() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Closed() {
				s.log.Debug("读取消息结束", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("无效的消息", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case KindReply:
			s.resolve(&msg)
		case KindCall:
			go s.handle(&msg)
		default:
			s.log.Warn("未知的消息类型", zap.String("kind", string(msg.Kind)))
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug("写入消息失败", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) resolve(msg *Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.mu.Unlock()

	if !ok {
		s.log.Debug("丢弃无主的回复", zap.Uint64("id", msg.ID))
		return
	}
	ch <- msg
}

func (s *Session) handle(msg *Message) {
	reply := &Message{ID: msg.ID, Kind: KindReply}

	result, err := s.handlers.invoke(s.ctx, s, msg.Op, msg.Payload)
	if err == nil {
		reply.Payload, err = sonic.Marshal(result)
	}
	if err != nil {
		reply.Payload = nil
		reply.Error = errorBody(err)
		s.log.Debug("调用失败", zap.String("op", msg.Op), zap.Error(err))
	}

	frame, err := sonic.Marshal(reply)
	if err != nil {
		s.log.Error("编码回复失败", zap.String("op", msg.Op), zap.Error(err))
		return
	}
	_ = s.enqueue(s.ctx, frame)
}
