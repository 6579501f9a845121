package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/dcf/internal/closure"
	"yqhp/dcf/internal/rpc"
	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
	"yqhp/dcf/pkg/types"
)

// ErrStopped is returned by operations on a stopped coordinator.
var ErrStopped = errors.New("coordinator stopped")

// StorageDescriptor names a storage and the factory closure every worker
// runs to build its own instance of it.
type StorageDescriptor struct {
	Name    string
	Factory *closure.Closure
}

// Config holds the configuration for a coordinator.
type Config struct {
	// Host and Port are the listen address. Port 0 picks a free port.
	Host string
	Port int

	// Secret must be presented by joining workers.
	Secret string

	// HandshakeTimeout bounds the dial, /init and /init-storage sequence.
	HandshakeTimeout time.Duration

	// Storages are initialized on every worker, in order.
	Storages []StorageDescriptor

	// Codec encodes dispatched closures. Defaults to the global registry.
	Codec *closure.Codec

	// Logger defaults to logger.Named("master").
	Logger *zap.Logger
}

// DefaultConfig returns a default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:             "localhost",
		Port:             9001,
		HandshakeTimeout: 30 * time.Second,
	}
}

// Result is the outcome of one exec call in a broadcast.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Coordinator accepts workers and dispatches closures to them.
type Coordinator struct {
	config *Config
	codec  *closure.Codec
	log    *zap.Logger
	server *rpc.Server
	table  *WorkerTable
	stats  *dispatchStats

	// ctx is cancelled by Stop and aborts in-flight handshakes.
	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New creates a coordinator. cfg nil uses DefaultConfig.
func New(cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Codec == nil {
		cfg.Codec = closure.NewCodec(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("master")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config: cfg,
		codec:  cfg.Codec,
		log:    cfg.Logger,
		table:  NewWorkerTable(),
		stats:  newDispatchStats(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.server = rpc.NewServer(rpc.ServerConfig{Host: cfg.Host, Port: cfg.Port}, c.handlers(), cfg.Logger.Named("rpc"))
	return c
}

func (c *Coordinator) handlers() rpc.Handlers {
	return rpc.Handlers{
		types.OpRegister: c.handleRegister,
	}
}

// Start validates the storage descriptors and starts listening.
func (c *Coordinator) Start(ctx context.Context) error {
	seen := make(map[string]struct{}, len(c.config.Storages))
	for i, desc := range c.config.Storages {
		if desc.Name == "" {
			return dcferr.BadRequest(fmt.Sprintf("storage %d: empty name", i), nil)
		}
		if _, dup := seen[desc.Name]; dup {
			return dcferr.BadRequest(fmt.Sprintf("duplicate storage name: %s", desc.Name), nil)
		}
		seen[desc.Name] = struct{}{}
		if _, err := c.codec.Encode(desc.Factory); err != nil {
			return fmt.Errorf("storage %s: %w", desc.Name, err)
		}
	}

	if err := c.server.Start(); err != nil {
		return err
	}
	c.running.Store(true)
	c.log.Info("master started",
		zap.String("endpoint", c.Endpoint()),
		zap.Int("storages", len(c.config.Storages)))
	return nil
}

// Stop aborts pending handshakes, closes every worker session and shuts the
// server down. Workers exit once their session is gone.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.cancel()

		for _, sess := range c.table.sessions() {
			sess.Close()
		}
		c.stopErr = c.server.Stop(ctx)
		c.log.Info("master stopped")
	})
	return c.stopErr
}

// Endpoint returns the host:port workers register with.
func (c *Coordinator) Endpoint() string {
	return c.server.Endpoint()
}

func (c *Coordinator) handleRegister(ctx context.Context, _ *rpc.Session, payload json.RawMessage) (any, error) {
	var req types.RegisterRequest
	if err := sonic.Unmarshal(payload, &req); err != nil {
		return nil, dcferr.BadRequest("invalid register request", err)
	}

	info, err := c.RegisterWorker(ctx, req.Endpoint, req.Secret)
	if err != nil {
		return nil, err
	}
	return types.RegisterResponse{WorkerID: info.WorkerID}, nil
}

// RegisterWorker runs the join handshake with the worker listening at
// endpoint. The worker is listed only if every step succeeds; on failure
// its session is closed and the table is left untouched.
func (c *Coordinator) RegisterWorker(ctx context.Context, endpoint, secret string) (types.WorkerInfo, error) {
	if secret != c.config.Secret {
		c.log.Warn("worker rejected: invalid secret", zap.String("endpoint", endpoint))
		return types.WorkerInfo{}, dcferr.Auth("invalid secret")
	}
	if endpoint == "" {
		return types.WorkerInfo{}, dcferr.BadRequest("empty worker endpoint", nil)
	}
	if !c.running.Load() {
		return types.WorkerInfo{}, ErrStopped
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()
	stopAbort := context.AfterFunc(c.ctx, cancel)
	defer stopAbort()

	sess, err := rpc.Dial(ctx, endpoint, nil, c.log.Named("rpc"))
	if err != nil {
		return types.WorkerInfo{}, fmt.Errorf("connect worker: %w", err)
	}

	info, err := c.handshake(ctx, sess, endpoint)
	if err != nil {
		sess.Close()
		c.log.Warn("worker handshake failed", zap.String("endpoint", endpoint), zap.Error(err))
		return types.WorkerInfo{}, err
	}

	sess.OnClose(func() {
		if c.table.remove(info.WorkerID, sess) {
			c.stats.forget(info.WorkerID)
			c.log.Info("worker left", zap.String("worker", info.WorkerID))
		}
	})
	if !c.table.insertIfOpen(&worker{info: info, session: sess}) {
		c.log.Warn("worker session closed before it was listed", zap.String("worker", info.WorkerID))
		return types.WorkerInfo{}, dcferr.Wrap(dcferr.CodeUnknownWorker, fmt.Sprintf("unknown worker: %s", info.WorkerID), rpc.ErrSessionClosed)
	}

	c.log.Info("worker joined",
		zap.String("worker", info.WorkerID),
		zap.String("endpoint", endpoint),
		zap.Int("workers", c.table.Count()))
	return info, nil
}

func (c *Coordinator) handshake(ctx context.Context, sess *rpc.Session, endpoint string) (types.WorkerInfo, error) {
	workerID := "worker-" + uuid.NewString()[:8]

	initReq := types.InitRequest{Secret: c.config.Secret, ID: workerID}
	if _, err := sess.Call(ctx, types.OpInit, initReq); err != nil {
		return types.WorkerInfo{}, fmt.Errorf("init worker: %w", err)
	}

	for _, desc := range c.config.Storages {
		factory, err := c.codec.Marshal(desc.Factory)
		if err != nil {
			return types.WorkerInfo{}, fmt.Errorf("encode storage %s: %w", desc.Name, err)
		}
		req := types.InitStorageRequest{Name: desc.Name, Factory: factory}
		if _, err := sess.Call(ctx, types.OpInitStorage, req); err != nil {
			return types.WorkerInfo{}, fmt.Errorf("init storage %s: %w", desc.Name, err)
		}
	}

	return types.WorkerInfo{
		WorkerIdentity: types.WorkerIdentity{WorkerID: workerID, Endpoint: endpoint},
		SessionID:      sess.ID(),
		JoinedAt:       time.Now(),
	}, nil
}

// Dispatch runs fn on the worker with the given id and returns the raw
// JSON result.
func (c *Coordinator) Dispatch(ctx context.Context, workerID string, fn *closure.Closure) (json.RawMessage, error) {
	w, ok := c.table.get(workerID)
	if !ok || w.session.Closed() {
		return nil, dcferr.UnknownWorker(workerID)
	}

	payload, err := c.codec.Marshal(fn)
	if err != nil {
		return nil, err
	}
	return c.exec(ctx, w, payload)
}

func (c *Coordinator) exec(ctx context.Context, w *worker, payload []byte) (json.RawMessage, error) {
	start := time.Now()
	result, err := w.session.Call(ctx, types.OpExec, json.RawMessage(payload))
	c.stats.record(w.info.WorkerID, time.Since(start), err != nil)

	if errors.Is(err, rpc.ErrSessionClosed) {
		return nil, dcferr.Wrap(dcferr.CodeUnknownWorker, fmt.Sprintf("unknown worker: %s", w.info.WorkerID), err)
	}
	return result, err
}

// DispatchAs runs fn on workerID and decodes the result into T.
func DispatchAs[T any](ctx context.Context, c *Coordinator, workerID string, fn *closure.Closure) (T, error) {
	var out T
	raw, err := c.Dispatch(ctx, workerID, fn)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of %s: %w", fn.Name(), err)
	}
	return out, nil
}

// Broadcast runs fn on every live worker concurrently. The map is keyed by
// worker id.
func (c *Coordinator) Broadcast(ctx context.Context, fn *closure.Closure) (map[string]Result, error) {
	payload, err := c.codec.Marshal(fn)
	if err != nil {
		return nil, err
	}

	infos := c.table.List()
	results := make(map[string]Result, len(infos))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, info := range infos {
		w, ok := c.table.get(info.WorkerID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			value, err := c.exec(ctx, w, payload)
			mu.Lock()
			results[w.info.WorkerID] = Result{Value: value, Err: err}
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return results, nil
}

// Workers returns the live workers sorted by id.
func (c *Coordinator) Workers() []types.WorkerInfo {
	return c.table.List()
}

// Worker returns the live worker with the given id.
func (c *Coordinator) Worker(workerID string) (types.WorkerInfo, error) {
	info, ok := c.table.Get(workerID)
	if !ok {
		return types.WorkerInfo{}, dcferr.UnknownWorker(workerID)
	}
	return info, nil
}

// Count returns the number of live workers.
func (c *Coordinator) Count() int {
	return c.table.Count()
}

// Watch streams join and leave events until ctx is done.
func (c *Coordinator) Watch(ctx context.Context) <-chan types.WorkerEvent {
	return c.table.Watch(ctx)
}

// Stats returns dispatch latency per live worker, sorted by worker id.
func (c *Coordinator) Stats() []types.DispatchStats {
	return c.stats.snapshot()
}

// WaitForWorkers blocks until at least n workers are live.
func (c *Coordinator) WaitForWorkers(ctx context.Context, n int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := c.table.Watch(ctx)
	for c.table.Count() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrStopped
		case <-events:
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}
