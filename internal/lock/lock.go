package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/store"
)

var (
	ErrLockBusy  = errors.New("lock_busy")
	ErrLeaseLost = errors.New("lease_lost")
)

// DefaultTTL is the runner lease length.
const DefaultTTL = 30 * time.Second

// Lock is a held per-room execution lease.
type Lock struct {
	RoomID string
	Key    string
	Owner  string
	TTL    time.Duration
}

// Locker grants exclusive per-room runner leases through the substrate.
type Locker struct {
	kv     store.KV
	logger zerolog.Logger
}

// New creates a Locker.
func New(kv store.KV, logger zerolog.Logger) *Locker {
	return &Locker{kv: kv, logger: logger.With().Str("component", "lock").Logger()}
}

// Acquire takes the room's lease for owner, or fails with ErrLockBusy when
// another owner holds it.
func (l *Locker) Acquire(ctx context.Context, roomID, owner string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := store.RunnerLockKey(roomID)
	ok, err := l.kv.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.LockEvents.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, roomID)
	}
	metrics.LockEvents.WithLabelValues("acquired").Inc()
	return &Lock{RoomID: roomID, Key: key, Owner: owner, TTL: ttl}, nil
}

// Renew extends the lease only if it is still held by lk.Owner.
func (l *Locker) Renew(ctx context.Context, lk *Lock) (bool, error) {
	ok, err := l.kv.CompareAndExpire(ctx, lk.Key, lk.Owner, lk.TTL)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.LockEvents.WithLabelValues("renewed").Inc()
	}
	return ok, nil
}

// Release deletes the lease only if it is still held by lk.Owner.
func (l *Locker) Release(ctx context.Context, lk *Lock) error {
	ok, err := l.kv.CompareAndDelete(ctx, lk.Key, lk.Owner)
	if err != nil {
		return err
	}
	if ok {
		metrics.LockEvents.WithLabelValues("released").Inc()
	}
	return nil
}

// Keep renews lk every interval until stop is called. The returned context
// is canceled with cause ErrLeaseLost as soon as a renewal fails; the holder
// must stop acting as the room's runner when that happens. stop ends the
// renewals and releases the lease.
func (l *Locker) Keep(ctx context.Context, lk *Lock, interval time.Duration) (leaseCtx context.Context, stop func(context.Context) error) {
	if interval <= 0 || interval >= lk.TTL {
		interval = lk.TTL / 3
	}
	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := l.Renew(leaseCtx, lk)
				if err == nil && ok {
					continue
				}
				metrics.LockEvents.WithLabelValues("lost").Inc()
				l.logger.Error().
					Err(err).
					Str("room_id", lk.RoomID).
					Str("owner", lk.Owner).
					Msg("runner lease lost")
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	var once sync.Once
	stop = func(releaseCtx context.Context) error {
		var err error
		once.Do(func() {
			close(done)
			wg.Wait()
			lost := errors.Is(context.Cause(leaseCtx), ErrLeaseLost)
			cancel(context.Canceled)
			if !lost {
				err = l.Release(releaseCtx, lk)
			}
		})
		return err
	}
	return leaseCtx, stop
}
