package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T, fn func(t *testing.T, l Locker)) {
	t.Run("local", func(t *testing.T) {
		fn(t, NewLocalLocker())
	})
	t.Run("redis", func(t *testing.T) {
		if os.Getenv("REDIS_HOST") == "" {
			t.Skip("REDIS_HOST not set")
		}
		rdb, err := NewRedisClient(context.Background())
		require.NoError(t, err)
		t.Cleanup(func() { rdb.Close() })
		fn(t, NewRedisLocker(rdb, "copytrade:test:"))
	})
}

func TestLocker_Exclusive(t *testing.T) {
	lockers(t, func(t *testing.T, l Locker) {
		ctx := context.Background()
		key := "trade:" + uuid.NewString()

		unlock, ok, err := l.TryLock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = l.TryLock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "second holder must be refused")

		_, ok, err = l.TryLock(ctx, key+"-other", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "keys are independent")

		unlock()
		unlock()
		again, ok, err := l.TryLock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		again()
	})
}

func TestAcquireLock_WaitsForRelease(t *testing.T) {
	l := NewLocalLocker()
	unlock, ok, err := l.TryLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := AcquireLock(ctx, l, "k", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	release()
}

func TestAcquireLock_GivesUp(t *testing.T) {
	l := NewLocalLocker()
	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = AcquireLock(ctx, l, "k", time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(err, ErrLockHeld))
}
