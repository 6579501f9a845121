// Package worker 实现 worker 运行时。
//
// worker 启动 rpc 服务后向 master 注册；master 在注册过程中通过会话调用
// /init 绑定该会话，之后只有被绑定的会话可以调用 /init-storage 和 /exec。
// 被绑定的会话关闭时 worker 自行退出。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/dcf/internal/closure"
	"yqhp/dcf/internal/rpc"
	"yqhp/dcf/internal/storage"
	"yqhp/dcf/pkg/logger"
	"yqhp/dcf/pkg/types"
)

// Config 保存 worker 运行时的配置。
type Config struct {
	// Host 和 Port 是 rpc 服务的监听地址，Port 为 0 时由系统分配。
	Host string
	Port int

	// MasterEndpoint 是 master 的 host:port。
	MasterEndpoint string

	// Secret 用于注册和 /init 校验。
	Secret string

	// CleanupInterval 是存储维护任务的执行间隔。
	CleanupInterval time.Duration

	// RegisterTimeout 限制整个注册握手的时长。
	RegisterTimeout time.Duration

	// StopTimeout 限制会话丢失后自动关闭的时长。
	StopTimeout time.Duration

	// Codec 解析下发的闭包，默认使用全局注册表。
	Codec *closure.Codec

	// Logger 默认为 logger.Named("worker")。
	Logger *zap.Logger

	// OnReady 在注册完成后调用。
	OnReady func(types.WorkerIdentity)
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		MasterEndpoint:  "localhost:9001",
		CleanupInterval: storage.DefaultCleanupInterval,
		RegisterTimeout: 60 * time.Second,
		StopTimeout:     10 * time.Second,
	}
}

// Runtime 是一个 worker 进程的运行时。
type Runtime struct {
	config     *Config
	codec      *closure.Codec
	log        *zap.Logger
	server     *rpc.Server
	storages   *storage.Registry
	maintainer *storage.Maintainer

	state atomic.Value // types.WorkerState

	mu       sync.RWMutex
	identity types.WorkerIdentity
	bound    *rpc.Session

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// New 创建 worker 运行时，cfg 为 nil 时使用默认配置。
func New(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Codec == nil {
		cfg.Codec = closure.NewCodec(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("worker")
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	r := &Runtime{
		config:   cfg,
		codec:    cfg.Codec,
		log:      cfg.Logger,
		storages: storage.NewRegistry(cfg.Logger.Named("storage")),
		done:     make(chan struct{}),
	}
	r.maintainer = storage.NewMaintainer(r.storages, cfg.CleanupInterval, cfg.Logger.Named("storage"))
	r.server = rpc.NewServer(rpc.ServerConfig{Host: cfg.Host, Port: cfg.Port}, r.handlers(), cfg.Logger.Named("rpc"))
	r.state.Store(types.WorkerStateUnregistered)
	return r
}

// Serve 启动 rpc 服务和存储维护任务，不向 master 注册。
func (r *Runtime) Serve() error {
	if err := r.server.Start(); err != nil {
		return err
	}
	if err := r.maintainer.Start(); err != nil {
		return err
	}
	return nil
}

// Start 启动服务并向 master 注册。注册失败时运行时会自行停止。
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Serve(); err != nil {
		r.Stop(context.Background())
		return err
	}
	if _, err := r.Register(ctx); err != nil {
		r.Stop(context.Background())
		return err
	}
	return nil
}

// Register 调用 master 的 /worker/register，在 master 完成 /init 和所有
// /init-storage 之后返回。
func (r *Runtime) Register(ctx context.Context) (types.WorkerIdentity, error) {
	r.state.Store(types.WorkerStateRegistering)

	ctx, cancel := context.WithTimeout(ctx, r.config.RegisterTimeout)
	defer cancel()

	req := types.RegisterRequest{Endpoint: r.Endpoint(), Secret: r.config.Secret}
	var resp types.RegisterResponse
	if err := rpc.Post(ctx, r.config.MasterEndpoint, types.OpRegister, req, &resp); err != nil {
		r.state.Store(types.WorkerStateUnregistered)
		return types.WorkerIdentity{}, fmt.Errorf("register with master %s: %w", r.config.MasterEndpoint, err)
	}

	id := r.Identity()
	if id.WorkerID != resp.WorkerID {
		r.log.Warn("注册返回的 ID 与 /init 不一致", zap.String("init", id.WorkerID), zap.String("register", resp.WorkerID))
	}

	r.state.Store(types.WorkerStateRegistered)
	r.log.Info("worker 已注册", zap.String("worker", id.WorkerID), zap.String("endpoint", id.Endpoint))
	if r.config.OnReady != nil {
		r.config.OnReady(id)
	}
	return id, nil
}

// Stop 停止维护任务、关闭会话、释放所有存储并关闭服务。可重复调用。
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.state.Store(types.WorkerStateShuttingDown)
		r.log.Info("worker 正在关闭", zap.String("worker", r.Identity().WorkerID))

		var errs []error
		if err := r.maintainer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop maintainer: %w", err))
		}

		r.mu.Lock()
		bound := r.bound
		r.bound = nil
		r.mu.Unlock()
		if bound != nil {
			bound.Close()
		}

		if err := r.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
		if err := r.storages.RemoveAll(); err != nil {
			errs = append(errs, err)
		}

		r.stopErr = errors.Join(errs...)
		r.state.Store(types.WorkerStateClosed)
		close(r.done)
	})
	<-r.done
	return r.stopErr
}

// Done 在运行时完全停止后关闭。
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Identity 返回 /init 分配的身份。
func (r *Runtime) Identity() types.WorkerIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// State 返回当前状态。
func (r *Runtime) State() types.WorkerState {
	return r.state.Load().(types.WorkerState)
}

// Storages 返回本进程的存储注册表。
func (r *Runtime) Storages() *storage.Registry {
	return r.storages
}

// Endpoint 返回 rpc 服务的 host:port。
func (r *Runtime) Endpoint() string {
	return r.server.Endpoint()
}

// onSessionClosed 在被绑定的会话关闭时让运行时自行退出。
func (r *Runtime) onSessionClosed(sess *rpc.Session) {
	r.mu.RLock()
	current := r.bound == sess
	r.mu.RUnlock()
	if !current {
		return
	}

	r.log.Warn("与 master 的会话已断开，worker 退出", zap.String("session", sess.ID()))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.StopTimeout)
		defer cancel()
		r.Stop(ctx)
	}()
}
