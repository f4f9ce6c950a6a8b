package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	l := NewRedisLocker(rdb, "ingest:lock:")

	release, err := l.TryLock(ctx, "abc_notes.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ingest:lock:abc_notes.pdf"))

	_, err = l.TryLock(ctx, "abc_notes.pdf", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	release()
	assert.False(t, mr.Exists("ingest:lock:abc_notes.pdf"))

	release2, err := l.TryLock(ctx, "abc_notes.pdf", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	l := NewRedisLocker(rdb, "")

	release, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	release()
	assert.True(t, mr.Exists("k"))
	other()
	assert.False(t, mr.Exists("k"))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	release, err := l.TryLock(ctx, "k", 0)
	require.NoError(t, err)
	_, err = l.TryLock(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrLocked)
	release()
	release()
	_, err = l.TryLock(ctx, "k", 0)
	assert.NoError(t, err)
}
