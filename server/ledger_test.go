package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerConsumeOnce(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	first, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := ledger.Consume(ctx, "def", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryLedgerForgetsExpiredStates(t *testing.T) {
	ledger := NewMemoryLedger()
	now := time.Now()
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.Len())

	now = now.Add(2 * time.Minute)
	_, err = ledger.Consume(ctx, "def", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.Len(), "expired entry should be swept")
}

func newMiniredisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedgerWithClient(client, "cmsauth:state:"), mr
}

func TestRedisLedgerConsumeOnce(t *testing.T) {
	ledger, mr := newMiniredisLedger(t)
	ctx := context.Background()

	first, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("cmsauth:state:abc"))

	again, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestRedisLedgerKeysExpire(t *testing.T) {
	ledger, mr := newMiniredisLedger(t)
	ctx := context.Background()

	_, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("cmsauth:state:abc"))

	mr.FastForward(2 * time.Minute)

	first, err := ledger.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestRedisLedgerErrorsWhenUnavailable(t *testing.T) {
	ledger, mr := newMiniredisLedger(t)
	mr.Close()

	_, err := ledger.Consume(context.Background(), "abc", time.Minute)
	require.Error(t, err)
}

func TestNewLedgerSelectsBackend(t *testing.T) {
	ctx := context.Background()

	l, err := NewLedger(ctx, SessionConfig{Ledger: LedgerMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	l, err = NewLedger(ctx, SessionConfig{Ledger: LedgerNone})
	require.NoError(t, err)
	assert.IsType(t, NopLedger{}, l)

	mr := miniredis.RunT(t)
	l, err = NewLedger(ctx, SessionConfig{Ledger: LedgerRedis, Redis: RedisConfig{Addr: mr.Addr(), KeyPrefix: "p:"}})
	require.NoError(t, err)
	rl, ok := l.(*RedisLedger)
	require.True(t, ok)
	t.Cleanup(func() { _ = rl.Close() })
}
