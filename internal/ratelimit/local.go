package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token-bucket limiter used when Redis is
// not configured (dev, tests). One bucket per tier/op pair, refilled at
// Limit tokens per Window.
//
// Not shared across processes; production deployments with multiple
// workers should use RedisLimiter.
type LocalLimiter struct {
	rules Rules

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter(rules Rules) *LocalLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &LocalLimiter{rules: rules, buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) bucket(tier, op string, rule Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tier + "/" + op
	b, ok := l.buckets[key]
	if !ok {
		perSecond := float64(rule.Limit) / rule.Window.Seconds()
		b = rate.NewLimiter(rate.Limit(perSecond), rule.Limit)
		l.buckets[key] = b
	}
	return b
}

func (l *LocalLimiter) Allow(ctx context.Context, tier, op string) (bool, time.Duration, error) {
	rule, found := l.rules.Lookup(tier, op)
	if !found {
		return true, 0, nil
	}
	if err := rule.validate(); err != nil {
		return false, 0, err
	}

	b := l.bucket(tier, op, rule)
	res := b.Reserve()
	if !res.OK() {
		return false, rule.Window, nil
	}
	delay := res.Delay()
	if delay > 0 {
		// Token not available yet; give it back and tell the caller when.
		res.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}
