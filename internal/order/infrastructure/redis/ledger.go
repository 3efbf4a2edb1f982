// Package redis implements the idempotency ledger on Redis. SETNX is the
// single serialization point: exactly one caller per (caller, key) observes
// a fresh reservation.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/platefast/ordercore/internal/order/domain"
)

// pendingMarker is the placeholder stored between Reserve and Commit. It is
// not valid JSON, so it can never be confused with a captured result.
const pendingMarker = "\x00pending"

// releaseScript deletes a reservation only while it still holds the pending
// marker; a concurrent Commit wins over a late Release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Ledger struct {
	rdb *redis.Client

	// pendingTTL bounds how long an uncommitted reservation can block
	// retries; a crashed worker's key simply expires.
	pendingTTL time.Duration
	// resultTTL is the captured-result retention window, a GC policy.
	resultTTL time.Duration

	waitBudget   time.Duration
	pollInterval time.Duration
}

func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{
		rdb:          rdb,
		pendingTTL:   30 * time.Second,
		resultTTL:    24 * time.Hour,
		waitBudget:   2 * time.Second,
		pollInterval: 100 * time.Millisecond,
	}
}

func (l *Ledger) key(callerID, key string) string {
	return fmt.Sprintf("order:idem:%s:%s", callerID, key)
}

// Reserve claims (callerID, key) or returns the captured result of the
// original execution. While the original is still in flight it polls within
// the wait budget, then reports domain.ErrRetryLater.
func (l *Ledger) Reserve(ctx context.Context, callerID, key string) ([]byte, bool, error) {
	k := l.key(callerID, key)
	deadline := time.Now().Add(l.waitBudget)

	for {
		ok, err := l.rdb.SetNX(ctx, k, pendingMarker, l.pendingTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("setnx %s: %w", k, err)
		}
		if ok {
			return nil, true, nil
		}

		val, err := l.rdb.Get(ctx, k).Bytes()
		switch {
		case err == redis.Nil:
			// Released or expired between SETNX and GET; contend again.
			continue
		case err != nil:
			return nil, false, fmt.Errorf("get %s: %w", k, err)
		case string(val) != pendingMarker:
			return val, false, nil
		}

		if time.Now().After(deadline) {
			return nil, false, domain.ErrRetryLater
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Commit finalizes the captured result; records are never mutated after
// this, only expired by the retention TTL.
func (l *Ledger) Commit(ctx context.Context, callerID, key string, result []byte) error {
	return l.rdb.Set(ctx, l.key(callerID, key), result, l.resultTTL).Err()
}

// Release frees an uncommitted reservation after failed work so a corrected
// retry with the same key can run immediately.
func (l *Ledger) Release(ctx context.Context, callerID, key string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key(callerID, key)}, pendingMarker).Err()
}
