package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

const (
	sessionPath = "/rpc/session"
	callPrefix  = "/rpc/call"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Host         string
	Port         int // 0 picks a free port
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts sessions and one-shot calls for a set of handlers.
type Server struct {
	config   ServerConfig
	app      *fiber.App
	handlers Handlers
	log      *zap.Logger

	mu        sync.Mutex
	ln        net.Listener
	sessions  map[string]*Session
	onSession func(*Session)
}

// NewServer creates a server. Call Start to listen.
func NewServer(config ServerConfig, handlers Handlers, log *zap.Logger) *Server {
	if log == nil {
		log = logger.Named("rpc")
	}
	if config.Host == "" {
		config.Host = "localhost"
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		DisableStartupMessage: true,
		AppName:               "dcf",
	})

	s := &Server{
		config:   config,
		app:      app,
		handlers: handlers,
		log:      log,
		sessions: make(map[string]*Session),
	}
	s.setupRoutes()
	return s
}

// OnSession registers fn to run for every accepted session before it
// starts reading.
func (s *Server) OnSession(fn func(*Session)) {
	s.mu.Lock()
	s.onSession = fn
	s.mu.Unlock()
}

func (s *Server) setupRoutes() {
	s.app.Use(fiberrecover.New())

	s.app.Use(sessionPath, func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get(sessionPath, fiberws.New(s.handleSession))

	s.app.Post(callPrefix+"/*", s.handleCall)
}

func (s *Server) handleSession(c *fiberws.Conn) {
	sess := newSession(c, c.RemoteAddr().String(), s.handlers, s.log)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	hook := s.onSession
	s.mu.Unlock()

	sess.OnClose(func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	})
	if hook != nil {
		hook(sess)
	}

	s.log.Debug("会话已建立", zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()))
	sess.serve()
}

func (s *Server) handleCall(c *fiber.Ctx) error {
	op := "/" + c.Params("*")
	payload := append([]byte(nil), c.Body()...)

	result, err := s.handlers.invoke(c.UserContext(), nil, op, payload)
	if err == nil {
		var body []byte
		body, err = sonic.Marshal(result)
		if err == nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(fiber.StatusOK).Send(body)
		}
	}

	s.log.Debug("单次调用失败", zap.String("op", op), zap.Error(err))
	body, _ := sonic.Marshal(errorBody(err))
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(statusOf(err)).Send(body)
}

func statusOf(err error) int {
	switch dcferr.CodeOf(err) {
	case dcferr.CodeAuth:
		return fiber.StatusUnauthorized
	case dcferr.CodeForbidden:
		return fiber.StatusForbidden
	case dcferr.CodeNotFound, dcferr.CodeUnknownWorker:
		return fiber.StatusNotFound
	case dcferr.CodeBadRequest, dcferr.CodeDecode:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		err := s.app.Listener(ln)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("服务退出", zap.Error(err))
		}
	}()

	s.log.Info("服务已启动", zap.String("endpoint", s.Endpoint()))
	return nil
}

// Endpoint returns host:port of the listener, or the configured address
// before Start.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := s.config.Port
	if s.ln != nil {
		if tcp, ok := s.ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(port))
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes every session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	started := s.ln != nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	if !started {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}
