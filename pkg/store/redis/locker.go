package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// PatientLocker serializes per-patient evaluation across daemon
// instances using redislock. It satisfies the store.LeaseStore
// contract so the sweeper can use it interchangeably with the SQLite
// lease table.
type PatientLocker struct {
	locker *redislock.Client

	mu   sync.Mutex
	held map[string]*redislock.Lock
}

// NewPatientLocker creates a locker on the given Redis client.
func NewPatientLocker(client *redis.Client) *PatientLocker {
	return &PatientLocker{
		locker: redislock.New(client),
		held:   make(map[string]*redislock.Lock),
	}
}

func lockKey(name string) string {
	return fmt.Sprintf("medwatch:lock:%s", name)
}

// Acquire obtains the named lock for ttl. Returns false without error
// when another holder has it.
func (l *PatientLocker) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	lock, err := l.locker.Obtain(ctx, lockKey(name), ttl, &redislock.Options{
		Token: holderID,
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return false, nil
		}
		return false, fmt.Errorf("failed to obtain lock %s: %w", name, err)
	}

	l.mu.Lock()
	l.held[name] = lock
	l.mu.Unlock()
	return true, nil
}

// Release releases the named lock if this process holds it.
func (l *PatientLocker) Release(ctx context.Context, name, holderID string) error {
	l.mu.Lock()
	lock, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
