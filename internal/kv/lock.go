package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Locker is a best-effort mutual exclusion lock built on SetNX. The TTL
// bounds how long a crashed holder can block others.
type Locker struct {
	store  Store
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewLocker creates a Locker storing lock keys under prefix.
func NewLocker(store Store, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{store: store, prefix: prefix, ttl: ttl, poll: 25 * time.Millisecond}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases the lock.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := []byte(uuid.NewString())

	for {
		ok, err := l.store.SetNX(ctx, lockKey, token, l.ttl)
		if err != nil {
			return nil, eris.Wrapf(err, "kv: acquire lock %s", key)
		}
		if ok {
			return func() { l.release(lockKey, token) }, nil
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ctx.Err(), "kv: acquire lock %s", key)
		case <-timer.C:
		}
	}
}

// release deletes the lock only when this holder still owns it. The check
// and delete are not atomic; a lock that expired in between is released early.
func (l *Locker) release(lockKey string, token []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, ok, err := l.store.Get(ctx, lockKey)
	if err != nil || !ok || string(cur) != string(token) {
		return
	}
	_ = l.store.Delete(ctx, lockKey)
}
