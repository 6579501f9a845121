package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

// DefaultRedisPrefix namespaces every key written by RedisBackend.
const DefaultRedisPrefix = "dcf"

const redisScanBatch = 256

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	URL    string
	Prefix string
	Owner  string
	Name   string
}

// RedisBackend stores blobs as redis strings under
// <prefix>:<owner>:<name>:<generation>:<key>.
type RedisBackend struct {
	client     *redis.Client
	scope      string
	generation string
	log        *zap.Logger
}

// NewRedisBackend connects to opts.URL and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisBackend, error) {
	if opts.URL == "" {
		return nil, dcferr.BadRequest("redis url is required", nil)
	}
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisBackend(client, opts, log), nil
}

func newRedisBackend(client *redis.Client, opts RedisOptions, log *zap.Logger) *RedisBackend {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if log == nil {
		log = logger.Named("storage")
	}
	return &RedisBackend{
		client:     client,
		scope:      fmt.Sprintf("%s:%s:%s:", opts.Prefix, OwnerOf(opts.Owner), OwnerOf(opts.Name)),
		generation: newGeneration(),
		log:        log,
	}
}

func (r *RedisBackend) key(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return r.scope + r.generation + ":" + key, nil
}

func (r *RedisBackend) SetItem(ctx context.Context, key string, data []byte) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, k, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) AppendItem(ctx context.Context, key string, data []byte) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}
	if err := r.client.Append(ctx, k, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to append %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) GetItem(ctx context.Context, key string) ([]byte, error) {
	k, err := r.key(key)
	if err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, dcferr.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) GetAndDeleteItem(ctx context.Context, key string) ([]byte, error) {
	k, err := r.key(key)
	if err != nil {
		return nil, err
	}
	data, err := r.client.GetDel(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, dcferr.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) DeleteItem(ctx context.Context, key string) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) GenerateKey(_ context.Context) (string, error) {
	return newKey(), nil
}

// CleanUp deletes keys of the same owner and name written by other
// generations.
func (r *RedisBackend) CleanUp(ctx context.Context) error {
	current := r.scope + r.generation + ":"
	removed := 0

	iter := r.client.Scan(ctx, 0, r.scope+"*", redisScanBatch).Iterator()
	batch := make([]string, 0, redisScanBatch)
	for iter.Next(ctx) {
		k := iter.Val()
		if strings.HasPrefix(k, current) {
			continue
		}
		batch = append(batch, k)
		if len(batch) == redisScanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete stale keys: %w", err)
			}
			removed += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete stale keys: %w", err)
		}
		removed += len(batch)
	}

	if removed > 0 {
		r.log.Info("已清理过期 redis 键", zap.String("scope", r.scope), zap.Int("count", removed))
	}
	return nil
}

// Close deletes this generation's keys and closes the client.
func (r *RedisBackend) Close() error {
	ctx := context.Background()
	var errs []error

	iter := r.client.Scan(ctx, 0, r.scope+r.generation+":*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.client.Close())
	return errors.Join(errs...)
}
