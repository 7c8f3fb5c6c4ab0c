package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixelforge/pixelforge/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyReserveIdentity = "billing:reserve:identity:%s"
	keyReconcileLock   = "billing:reconcile:lock"

	reconcileLockTTL = 10 * time.Minute
)

// ReserveLimiter throttles the credit-spending endpoints per identity and
// serializes reconciliation runs across instances. Disabled limiters allow
// everything.
type ReserveLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate  float64
	burst int
}

func NewReserveLimiter(cfg config.Config) (*ReserveLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ReserveRate <= 0 || limitCfg.ReserveBurst <= 0 {
		return nil, errors.New("reserve rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &ReserveLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    limitCfg.ReserveRate,
		burst:   limitCfg.ReserveBurst,
	}, nil
}

func (l *ReserveLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowIdentity admits one reserve or charge attempt for the identity.
func (l *ReserveLimiter) AllowIdentity(ctx context.Context, identityID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx,
		fmt.Sprintf(keyReserveIdentity, strings.TrimSpace(identityID)),
		l.rate, l.burst)
}

// TryReconcileLock claims the cross-instance reconciliation lock.
func (l *ReserveLimiter) TryReconcileLock(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keyReconcileLock, reconcileLockTTL)
}

func (l *ReserveLimiter) ReleaseReconcileLock(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keyReconcileLock, token)
}
