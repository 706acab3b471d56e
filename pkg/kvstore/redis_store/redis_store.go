// Package redis_store implements kvstore.Store on a redis instance. It is
// used by the agent/simulator mode where state lives in a shared redis
// rather than on the local filesystem.
//
// Redis outages must never take the client down: after a failed command the
// store disables itself, serves misses and drops writes, and a background
// loop pings redis with increasing backoff until it answers again.
package redis_store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
)

var nopLogger = zap.NewNop()

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// KeyPrefix namespaces all keys. Default is "proven_sync:".
	KeyPrefix string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisStore.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = "proven_sync:"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled uint32
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{opts: opts}, nil
}

func (r *RedisStore) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisStore) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				r.opts.Logger.Info("redis recovered")
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisStore) key(key string) string {
	return r.opts.KeyPrefix + key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if r.disabled() {
		return "", kvstore.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	v, err := r.opts.Client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", kvstore.ErrNotFound
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return "", kvstore.ErrNotFound
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if r.disabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if r.disabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, r.key(key)).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
	}
	return nil
}

func (r *RedisStore) RemoveMany(ctx context.Context, keys []string) error {
	if r.disabled() || len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, full...).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
	}
	return nil
}

func (r *RedisStore) ListKeys(ctx context.Context) ([]string, error) {
	if r.disabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", 256).Result()
		if err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			r.disableClient()
			return nil, nil
		}
		for _, k := range batch {
			keys = append(keys, k[len(r.opts.KeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

var _ kvstore.Store = (*RedisStore)(nil)

// NewClient is a convenience constructor for a redis client from an URL,
// e.g. "redis://localhost:6379/0".
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	return redis.NewClient(opt), nil
}
