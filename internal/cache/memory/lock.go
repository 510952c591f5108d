// Package memory provides process-local implementations of the cache
// interfaces for single-replica deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

type holder struct {
	token   uint64
	expires time.Time
}

// LockManager implements domain.LockManager with a TTL map. Expired holders
// are treated as absent, so a crashed holder cannot wedge a key forever.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]holder
	next  uint64
	nowFn func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		held:  make(map[string]holder),
		nowFn: time.Now,
	}
}

// Acquire returns domain.ErrLockHeld immediately if key is held and not
// expired. A non-positive ttl means the lock never expires on its own.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.nowFn()
	if h, ok := lm.held[key]; ok && h.live(now) {
		return nil, domain.ErrLockHeld
	}

	lm.next++
	h := holder{token: lm.next, expires: expiry(now, ttl)}
	lm.held[key] = h
	return &lease{lm: lm, key: key, token: h.token}, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (h holder) live(now time.Time) bool {
	return h.expires.IsZero() || now.Before(h.expires)
}

type lease struct {
	lm    *LockManager
	key   string
	token uint64
	once  sync.Once
}

func (l *lease) Extend(_ context.Context, ttl time.Duration) error {
	l.lm.mu.Lock()
	defer l.lm.mu.Unlock()
	now := l.lm.nowFn()
	cur, ok := l.lm.held[l.key]
	if !ok || cur.token != l.token || !cur.live(now) {
		return domain.ErrLockLost
	}
	cur.expires = expiry(now, ttl)
	l.lm.held[l.key] = cur
	return nil
}

func (l *lease) Release() {
	l.once.Do(func() {
		l.lm.mu.Lock()
		defer l.lm.mu.Unlock()
		if cur, ok := l.lm.held[l.key]; ok && cur.token == l.token {
			delete(l.lm.held, l.key)
		}
	})
}

// Held reports whether key is currently held.
func (lm *LockManager) Held(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	h, ok := lm.held[key]
	return ok && h.live(lm.nowFn())
}

// Cleanup drops expired holders.
func (lm *LockManager) Cleanup() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := lm.nowFn()
	for k, h := range lm.held {
		if !h.live(now) {
			delete(lm.held, k)
		}
	}
}

// Len returns the number of tracked keys, expired or not.
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.held)
}

var _ domain.LockManager = (*LockManager)(nil)
