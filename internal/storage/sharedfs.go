package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

// SharedFSBackend stores blobs as files under <root>/<owner>/<name>/<generation>/.
// The root may live on a filesystem shared by several hosts; owners keep
// workers apart, names keep storages of one worker apart and generations
// keep restarts of one worker apart.
type SharedFSBackend struct {
	root       string
	ownerDir   string
	generation string
	dir        string
	log        *zap.Logger
}

// DefaultSharedFSRoot is used when no root option is given.
func DefaultSharedFSRoot() string {
	return filepath.Join(os.TempDir(), "dcf-storage")
}

// NewSharedFSBackend creates the generation directory for the storage name
// of owner under root.
func NewSharedFSBackend(root, owner, name string, log *zap.Logger) (*SharedFSBackend, error) {
	if root == "" {
		root = DefaultSharedFSRoot()
	}
	if name == "" {
		name = "default"
	}
	if log == nil {
		log = logger.Named("storage")
	}

	generation := newGeneration()
	ownerDir := filepath.Join(root, OwnerOf(owner), OwnerOf(name))
	dir := filepath.Join(ownerDir, generation)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	return &SharedFSBackend{
		root:       root,
		ownerDir:   ownerDir,
		generation: generation,
		dir:        dir,
		log:        log,
	}, nil
}

// Dir returns the directory holding this instance's blobs.
func (s *SharedFSBackend) Dir() string {
	return s.dir
}

func (s *SharedFSBackend) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

func (s *SharedFSBackend) SetItem(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.dir, ".tmp-"+newKey())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

func (s *SharedFSBackend) AppendItem(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", key, err)
	}
	return f.Close()
}

func (s *SharedFSBackend) GetItem(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, dcferr.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// GetAndDeleteItem renames the blob to a private tombstone first, so once
// the rename succeeds no other call can reach it.
func (s *SharedFSBackend) GetAndDeleteItem(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	tomb := filepath.Join(s.dir, ".del-"+newKey())
	if err := os.Rename(p, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, dcferr.NotFound(key)
		}
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	defer os.Remove(tomb)

	data, err := os.ReadFile(tomb)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *SharedFSBackend) DeleteItem(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SharedFSBackend) GenerateKey(_ context.Context) (string, error) {
	return newKey(), nil
}

// CleanUp removes generation directories of the same owner and name left
// behind by earlier instances.
func (s *SharedFSBackend) CleanUp(ctx context.Context) error {
	entries, err := os.ReadDir(s.ownerDir)
	if err != nil {
		return fmt.Errorf("list %s: %w", s.ownerDir, err)
	}

	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Name() == s.generation {
			continue
		}
		stale := filepath.Join(s.ownerDir, e.Name())
		if err := os.RemoveAll(stale); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("已清理过期存储目录", zap.String("dir", stale))
	}
	return errors.Join(errs...)
}

// Close removes this instance's directory.
func (s *SharedFSBackend) Close() error {
	return os.RemoveAll(s.dir)
}
