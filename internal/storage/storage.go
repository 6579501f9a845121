// Package storage 提供 worker 本地的临时存储抽象。
//
// 每个 worker 进程持有自己的 Registry，逻辑名称相同的存储（例如 "disk"）
// 在不同 worker 中是不同的后端实例，由 master 下发的工厂闭包在 worker 内创建。
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"yqhp/dcf/pkg/dcferr"
)

// Backend is a keyed blob store. Missing keys fail with dcferr.ErrNotFound.
type Backend interface {
	// SetItem replaces or creates the blob at key.
	SetItem(ctx context.Context, key string, data []byte) error
	// AppendItem appends to the blob at key, creating it when absent.
	AppendItem(ctx context.Context, key string, data []byte) error
	// GetItem returns the current blob.
	GetItem(ctx context.Context, key string) ([]byte, error)
	// GetAndDeleteItem atomically reads and removes the blob.
	GetAndDeleteItem(ctx context.Context, key string) ([]byte, error)
	// DeleteItem removes the blob. Absent keys are not an error.
	DeleteItem(ctx context.Context, key string) error
	// GenerateKey returns a key no live blob of this instance uses.
	GenerateKey(ctx context.Context) (string, error)
}

// Cleaner is implemented by backends that need periodic maintenance.
// CleanUp must be safe to run concurrently with the other operations and
// must never remove blobs of the running instance.
type Cleaner interface {
	CleanUp(ctx context.Context) error
}

// Closer is implemented by backends holding resources released when the
// backend leaves its registry.
type Closer interface {
	Close() error
}

// OwnerOf turns a worker endpoint into a name usable as a path segment or
// key prefix. The endpoint is stable across a restart on the same address,
// which lets CleanUp find what a crashed predecessor left behind.
func OwnerOf(endpoint string) string {
	if endpoint == "" {
		return "local"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, endpoint)
}

// newGeneration identifies one backend instance.
func newGeneration() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newKey() string {
	return uuid.NewString()
}

// validateKey rejects keys that cannot be used as a single path segment.
func validateKey(key string) error {
	if key == "" {
		return dcferr.BadRequest("empty storage key", nil)
	}
	if strings.HasPrefix(key, ".") || strings.ContainsAny(key, "/\\\x00") {
		return dcferr.BadRequest(fmt.Sprintf("invalid storage key %q", key), nil)
	}
	return nil
}
