// Package redislock implements ledger.Locker on Redis so several server
// instances serialize work on the same account.
//
// A lock is a key set with SET NX PX holding a random token. Release runs a
// Lua script that deletes the key only if it still holds the caller's token,
// so a holder whose lease expired can never free someone else's lock.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLease  = 30 * time.Second
	defaultPrefix = "toll-ledger:lock"

	minBackoff = 5 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker grants per-key exclusion across processes.
type Locker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	logger *slog.Logger
}

// New creates a Locker. lease bounds how long a crashed holder can block a
// key; it must comfortably exceed one commit.
func New(client redis.UniversalClient, prefix string, lease time.Duration) *Locker {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultPrefix
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Locker{client: client, prefix: trimmed, lease: lease, logger: slog.Default()}
}

// WithLogger sets the logger used for release failures.
func (l *Locker) WithLogger(logger *slog.Logger) *Locker {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Connect parses a redis:// URL, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lock blocks until key is acquired or ctx is done. It polls with
// exponential backoff; the returned error wraps ctx.Err() on timeout.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()
	backoff := minBackoff

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Locker) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed; lease will expire", "key", redisKey, "error", err)
			}
		})
	}
}
