package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const (
	claimPrefix    = "exec:claim:"
	identityPrefix = "exec:identity:"
)

// ClaimTable hands out exclusive, non-blocking claims on opportunity windows
// and signing identities. Backed by a domain.LockManager, so the same table
// spans replicas when the lock manager is Redis.
type ClaimTable struct {
	locks    domain.LockManager
	claimTTL time.Duration
	lockTTL  time.Duration
}

// NewClaimTable creates a ClaimTable. The TTLs bound how long a crashed
// holder can block a key; a live holder keeps renewing through KeepAlive.
func NewClaimTable(locks domain.LockManager, claimTTL, lockTTL time.Duration) *ClaimTable {
	return &ClaimTable{locks: locks, claimTTL: claimTTL, lockTTL: lockTTL}
}

// Hold is a claim or identity lock owned by one execution.
type Hold struct {
	key   string
	ttl   time.Duration
	lease domain.Lease
}

// Release frees the key. Safe to call more than once.
func (h *Hold) Release() { h.lease.Release() }

// Claim takes the opportunity's window. It fails with domain.ErrClaimHeld
// when another execution owns it.
func (c *ClaimTable) Claim(ctx context.Context, opp domain.Opportunity) (*Hold, error) {
	key := claimPrefix + opp.ClaimKey()
	lease, err := c.locks.Acquire(ctx, key, c.claimTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: %s: %w", opp.ClaimKey(), domain.ErrClaimHeld)
		}
		return nil, fmt.Errorf("executor: claim %s: %w", opp.ClaimKey(), err)
	}
	return &Hold{key: key, ttl: c.claimTTL, lease: lease}, nil
}

// LockIdentity serializes submissions per signing identity so nonces never
// collide. It fails with domain.ErrLockHeld when the identity is busy.
func (c *ClaimTable) LockIdentity(ctx context.Context, identity string) (*Hold, error) {
	key := identityPrefix + identity
	lease, err := c.locks.Acquire(ctx, key, c.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: identity %s: %w", identity, domain.ErrLockHeld)
		}
		return nil, fmt.Errorf("executor: lock identity %s: %w", identity, err)
	}
	return &Hold{key: key, ttl: c.lockTTL, lease: lease}, nil
}

// KeepAlive renews every hold at a third of its ttl until stop is called,
// so a submission that outlives the ttl keeps its identity and window.
// Holds without a ttl never expire and are skipped. stop waits for the
// renewer to exit; after it returns no further Extend is issued.
func (c *ClaimTable) KeepAlive(ctx context.Context, logger *slog.Logger, holds ...*Hold) (stop func()) {
	var interval time.Duration
	var renew []*Hold
	for _, h := range holds {
		if h == nil || h.ttl <= 0 {
			continue
		}
		renew = append(renew, h)
		if every := h.ttl / 3; interval == 0 || every < interval {
			interval = every
		}
	}
	if len(renew) == 0 || interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, h := range renew {
					if err := h.lease.Extend(ctx, h.ttl); err != nil && ctx.Err() == nil {
						logger.ErrorContext(ctx, "lease renewal failed",
							slog.String("key", h.key),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
