package redislock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/redislock"
)

var _ ledger.Locker = (*redislock.Locker)(nil)

func newTestLocker(t *testing.T, lease time.Duration) *redislock.Locker {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := redislock.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// A fresh prefix per test keeps runs independent.
	return redislock.New(client, "test:"+uuid.NewString(), lease)
}

func TestLocker_MutualExclusion(t *testing.T) {
	l := newTestLocker(t, 5*time.Second)
	ctx := context.Background()

	var inside, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "account:tag1")
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps)
}

func TestLocker_TimeoutAndLeaseExpiry(t *testing.T) {
	l := newTestLocker(t, 300*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "account:tag1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "account:tag1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The holder "crashed"; the lease expires and a new holder gets in.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	unlock2, err := l.Lock(ctx2, "account:tag1")
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lock.
	unlock()
	ctx3, cancel3 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel3()
	_, err = l.Lock(ctx3, "account:tag1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock2()
}

func TestLocker_UnlockDeletesKey(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	prefix := "test:" + uuid.NewString()
	l := redislock.New(client, prefix, time.Second)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ttl, err := client.PTTL(context.Background(), prefix+":k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	unlock()
	exists, err := client.Exists(context.Background(), prefix+":k").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
