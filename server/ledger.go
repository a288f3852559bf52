package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which state values have already been redeemed.
type Ledger interface {
	// Consume marks state as used and reports whether this was the first use.
	Consume(ctx context.Context, state string, ttl time.Duration) (bool, error)
}

// MemoryLedger keeps consumed states in process memory. It only protects a single instance.
type MemoryLedger struct {
	mu    sync.Mutex
	used  map[string]time.Time
	now   func() time.Time
	sweep time.Time
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{used: make(map[string]time.Time), now: time.Now}
}

// Consume records state until ttl elapses.
func (l *MemoryLedger) Consume(_ context.Context, state string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.sweep) {
		for k, until := range l.used {
			if now.After(until) {
				delete(l.used, k)
			}
		}
		l.sweep = now.Add(ttl)
	}

	if until, ok := l.used[state]; ok && !now.After(until) {
		return false, nil
	}
	l.used[state] = now.Add(ttl)
	return true, nil
}

// Len reports how many states are currently remembered.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}

// RedisLedger shares consumed states across instances through SETNX.
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLedger dials Redis and checks connectivity.
func NewRedisLedger(ctx context.Context, cfg RedisConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis ledger: %w", err)
	}
	return NewRedisLedgerWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisLedgerWithClient wraps an existing client. Tests pass a miniredis-backed one.
func NewRedisLedgerWithClient(client redis.UniversalClient, keyPrefix string) *RedisLedger {
	return &RedisLedger{client: client, keyPrefix: keyPrefix}
}

// Consume sets the key only if absent.
func (l *RedisLedger) Consume(ctx context.Context, state string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+state, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close releases the connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// NopLedger accepts every state; single use then rests on clearing the cookie.
type NopLedger struct{}

// Consume always reports a first use.
func (NopLedger) Consume(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// NewLedger builds the backend named in config.
func NewLedger(ctx context.Context, cfg SessionConfig) (Ledger, error) {
	switch cfg.Ledger {
	case LedgerRedis:
		return NewRedisLedger(ctx, cfg.Redis)
	case LedgerNone:
		return NopLedger{}, nil
	default:
		return NewMemoryLedger(), nil
	}
}
