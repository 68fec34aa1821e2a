// Package store wraps the Redis primitives shared by every other
// component: hash/list/zset access, atomic Lua evaluation, pub/sub, and a
// transactional pipeline. Nothing in this package knows about tasks,
// queues, or providers — it is pure plumbing.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxtask/engine/internal/config"
)

// Kind classifies a Store-surfaced failure the way callers need to react
// to it: a timeout or lost connection is worth a short internal retry, a
// protocol error is not.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindConnectionLost Kind = "connection_lost"
	KindProtocolError  Kind = "protocol_error"
)

// Error wraps a Redis failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, redis.ErrClosed) {
		return &Error{Kind: KindConnectionLost, Err: err}
	}
	return &Error{Kind: KindProtocolError, Err: err}
}

// Store holds two logical Redis clients built from the same address: a
// fast pool for hash/list/zset/eval calls, and a separately sized,
// longer-timeout pool dedicated to Dispatcher BLPOP calls, so a fleet of blocked
// Dispatchers can never starve heartbeat or metadata traffic.
type Store struct {
	fast     *redis.Client
	blocking *redis.Client
}

func New(cfg *config.RedisConfig) (*Store, error) {
	fast := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	blocking := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.BlockingPoolSize,
		MinIdleConns: 1,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.BlockingReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := fast.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect fast pool: %w", err)
	}
	if err := blocking.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect blocking pool: %w", err)
	}

	return &Store{fast: fast, blocking: blocking}, nil
}

// NewFromClients lets tests wire in miniredis-backed clients directly
// instead of dialing a real server.
func NewFromClients(fast, blocking *redis.Client) *Store {
	if blocking == nil {
		blocking = fast
	}
	return &Store{fast: fast, blocking: blocking}
}

func (s *Store) Close() error {
	err1 := s.fast.Close()
	err2 := s.blocking.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Client exposes the fast pool for components that need a raw
// *redis.Client (metrics exporters, test fixtures).
func (s *Store) Client() *redis.Client { return s.fast }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.fast.Ping(ctx).Err())
}

func (s *Store) HSetAll(ctx context.Context, key string, fields map[string]interface{}) error {
	return classify(s.fast.HSet(ctx, key, fields).Err())
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.fast.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return classify(s.fast.HIncrBy(ctx, key, field, incr).Err())
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return classify(s.fast.Expire(ctx, key, ttl).Err())
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return classify(s.fast.Del(ctx, keys...).Err())
}

func (s *Store) LPush(ctx context.Context, key string, values ...interface{}) error {
	return classify(s.fast.LPush(ctx, key, values...).Err())
}

func (s *Store) RPush(ctx context.Context, key string, values ...interface{}) error {
	return classify(s.fast.RPush(ctx, key, values...).Err())
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.fast.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	return vals, nil
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value interface{}) error {
	return classify(s.fast.LRem(ctx, key, count, value).Err())
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.fast.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// BLPop blocks on the blocking pool's dedicated client, never the fast
// one, so Dispatchers parked here cannot starve other traffic.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (queue string, value string, err error) {
	res, err := s.blocking.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", classify(err)
	}
	if len(res) != 2 {
		return "", "", &Error{Kind: KindProtocolError, Err: fmt.Errorf("unexpected BLPOP reply: %v", res)}
	}
	return res[0], res[1], nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member interface{}) error {
	return classify(s.fast.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	vals, err := s.fast.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	return vals, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return classify(s.fast.ZRem(ctx, key, members...).Err())
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.fast.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify(s.fast.Set(ctx, key, value, ttl).Err())
}

// SetNX returns true if the key was set (the lock was acquired).
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.fast.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.fast.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return v, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.fast.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload interface{}) error {
	return classify(s.fast.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.fast.Subscribe(ctx, channel)
}

// Scan walks every key matching prefix+"*" using non-blocking cursor
// iteration, invoking visit for each. Stops early if visit returns false.
func (s *Store) Scan(ctx context.Context, prefix string, visit func(key string) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.fast.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return classify(err)
		}
		for _, k := range keys {
			if !visit(k) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// NewScript compiles a Lua script for repeated atomic evaluation via Eval.
func (s *Store) NewScript(src string) *redis.Script {
	return redis.NewScript(src)
}

// Eval runs a compiled script against the fast pool, returning its raw
// reply for callers to type-assert.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.fast, keys, args...).Result()
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// TxPipeline exposes a transactional pipeline (MULTI/EXEC) for callers
// that need several writes to commit atomically without a Lua script.
func (s *Store) TxPipeline() redis.Pipeliner {
	return s.fast.TxPipeline()
}
