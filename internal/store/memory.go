package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var errOffline = errors.New("substrate offline")

// MemoryStore is a RedisStore talking to an embedded miniredis server. It
// backs tests and single-instance development runs.
type MemoryStore struct {
	*RedisStore
	srv  *miniredis.Miniredis
	down atomic.Bool
}

// NewMemoryStore starts an empty in-process substrate.
func NewMemoryStore() (*MemoryStore, error) {
	srv := miniredis.NewMiniRedis()
	if err := srv.Start(); err != nil {
		return nil, err
	}
	m := &MemoryStore{srv: srv}
	client := redis.NewClient(&redis.Options{
		Addr:       srv.Addr(),
		MaxRetries: -1,
	})
	client.AddHook(latencyHook{})
	client.AddHook(outageHook{down: &m.down})
	m.RedisStore = &RedisStore{client: client}
	return m, nil
}

// Close closes the client and stops the embedded server.
func (m *MemoryStore) Close() error {
	err := m.RedisStore.Close()
	m.srv.Close()
	return err
}

// SetAvailable toggles a simulated outage. While unavailable every call fails
// with ErrUnavailable and nothing reaches the server.
func (m *MemoryStore) SetAvailable(ok bool) {
	m.down.Store(!ok)
}

// FastForward moves key expiry forward by d.
func (m *MemoryStore) FastForward(d time.Duration) {
	m.srv.FastForward(d)
}

// TTL returns the remaining time to live of key, or 0 if it has none.
func (m *MemoryStore) TTL(key string) time.Duration {
	return m.srv.TTL(key)
}

// Tick advances key expiry with the wall clock until ctx is done. Embedded
// keys otherwise never expire on their own.
func (m *MemoryStore) Tick(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.srv.FastForward(now.Sub(last))
			last = now
		}
	}
}

// outageHook fails commands before they are written while down is set.
type outageHook struct {
	down *atomic.Bool
}

func (h outageHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h outageHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.down.Load() {
			return errOffline
		}
		return next(ctx, cmd)
	}
}

func (h outageHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.down.Load() {
			return errOffline
		}
		return next(ctx, cmds)
	}
}
