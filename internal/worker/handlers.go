package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"yqhp/dcf/internal/rpc"
	"yqhp/dcf/internal/storage"
	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/types"
)

func (r *Runtime) handlers() rpc.Handlers {
	return rpc.Handlers{
		types.OpInit:        r.handleInit,
		types.OpInitStorage: r.handleInitStorage,
		types.OpExec:        r.handleExec,
	}
}

// handleInit 校验密钥并绑定调用方会话。另一个会话携带正确密钥再次 /init
// 时重新绑定，旧会话被关闭。
func (r *Runtime) handleInit(ctx context.Context, sess *rpc.Session, payload json.RawMessage) (any, error) {
	var req types.InitRequest
	if err := sonic.Unmarshal(payload, &req); err != nil {
		return nil, dcferr.BadRequest("invalid init request", err)
	}
	if req.Secret != r.config.Secret {
		return nil, dcferr.Auth("invalid secret")
	}
	if sess == nil {
		return nil, dcferr.Forbidden("init requires a session")
	}
	if req.ID == "" {
		return nil, dcferr.BadRequest("empty worker id", nil)
	}

	r.mu.Lock()
	switch st := r.State(); st {
	case types.WorkerStateShuttingDown, types.WorkerStateClosed:
		r.mu.Unlock()
		return nil, dcferr.Forbidden(fmt.Sprintf("worker is %s", st))
	}
	if r.bound == sess {
		same := r.identity.WorkerID == req.ID
		r.mu.Unlock()
		if !same {
			return nil, dcferr.Forbidden("session already initialized with another id")
		}
		return nil, nil
	}
	old := r.bound
	r.bound = sess
	r.identity = types.WorkerIdentity{WorkerID: req.ID, Endpoint: r.Endpoint()}
	r.mu.Unlock()

	sess.OnClose(func() { r.onSessionClosed(sess) })
	if old != nil {
		r.log.Info("master 会话已重新绑定", zap.String("old", old.ID()), zap.String("new", sess.ID()))
		old.Close()
	}

	r.log.Info("worker 已初始化", zap.String("worker", req.ID), zap.String("session", sess.ID()))
	return nil, nil
}

// requireBound 确认调用来自被绑定的 master 会话。
func (r *Runtime) requireBound(sess *rpc.Session, op string) (types.WorkerIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sess == nil || r.bound == nil || sess != r.bound {
		return types.WorkerIdentity{}, dcferr.Forbidden(fmt.Sprintf("%s is only accepted from the master session", op))
	}
	return r.identity, nil
}

func (r *Runtime) handleInitStorage(ctx context.Context, sess *rpc.Session, payload json.RawMessage) (any, error) {
	id, err := r.requireBound(sess, types.OpInitStorage)
	if err != nil {
		return nil, err
	}

	var req types.InitStorageRequest
	if err := sonic.Unmarshal(payload, &req); err != nil {
		return nil, dcferr.BadRequest("invalid init-storage request", err)
	}
	if req.Name == "" {
		return nil, dcferr.BadRequest("empty storage name", nil)
	}

	factory, err := r.codec.Unmarshal(req.Factory)
	if err != nil {
		return nil, err
	}

	backend, err := storage.Build(ctx, factory, id)
	if err != nil {
		return nil, fmt.Errorf("build storage %s: %w", req.Name, err)
	}
	if err := storage.CleanUp(ctx, backend); err != nil {
		if c, ok := backend.(storage.Closer); ok {
			c.Close()
		}
		return nil, fmt.Errorf("clean up storage %s: %w", req.Name, err)
	}

	r.storages.Register(req.Name, backend)
	r.log.Info("存储已初始化", zap.String("name", req.Name), zap.String("factory", factory.Name()))
	return nil, nil
}

func (r *Runtime) handleExec(ctx context.Context, sess *rpc.Session, payload json.RawMessage) (any, error) {
	id, err := r.requireBound(sess, types.OpExec)
	if err != nil {
		return nil, err
	}

	c, err := r.codec.Unmarshal(payload)
	if err != nil {
		return nil, err
	}

	return c.Invoke(storage.WithRegistry(ctx, r.storages), id.WorkerID)
}
