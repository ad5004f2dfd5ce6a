package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func runBackendContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := backend.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, backend.Set(ctx, "k", []byte("v1"), 0))
	value, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, backend.Set(ctx, "k", []byte("v2"), 0))
	value, err = backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, backend.Delete(ctx, "k"))
	_, err = backend.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, backend.Delete(ctx, "k"))
}

func TestMemoryBackendContract(t *testing.T) {
	runBackendContract(t, NewMemoryBackend())
}

func TestMemoryBackendTTL(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	value, err := backend.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), value)

	time.Sleep(20 * time.Millisecond)
	_, err = backend.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisBackendContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runBackendContract(t, NewRedisBackend(client, "test:"))
}

func TestRedisBackendTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := NewRedisBackend(client, "test:")
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "short", []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := backend.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGormBackendContract(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	backend, err := NewGormBackend(db)
	require.NoError(t, err)

	runBackendContract(t, backend)
}

func TestGormBackendExpiry(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	backend, err := NewGormBackend(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "expiring", []byte("x"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err = backend.Get(ctx, "expiring")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
