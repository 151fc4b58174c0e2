package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalLimiter_BudgetExhaustion(t *testing.T) {
	rules := Rules{"sms": {"send": {Limit: 3, Window: time.Hour}}}
	l := NewLocalLimiter(rules)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "sms", "send")
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !ok {
			t.Fatalf("token %d should be allowed", i)
		}
	}
	ok, retryAfter, err := l.Allow(ctx, "sms", "send")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("budget exhausted, expected denial")
	}
	if retryAfter <= 0 {
		t.Fatalf("denial must carry a retry-after hint")
	}
}

func TestLocalLimiter_UnknownTierUnlimited(t *testing.T) {
	l := NewLocalLimiter(Rules{})
	for i := 0; i < 100; i++ {
		ok, _, err := l.Allow(context.Background(), "nobody", "anything")
		if err != nil || !ok {
			t.Fatalf("unconfigured tier must be unlimited, got ok=%v err=%v", ok, err)
		}
	}
}

func TestLocalLimiter_FallbackOp(t *testing.T) {
	rules := Rules{"handover": {"*": {Limit: 1, Window: time.Hour}}}
	l := NewLocalLimiter(rules)

	ok, _, _ := l.Allow(context.Background(), "handover", "submit")
	if !ok {
		t.Fatalf("first call should pass via wildcard rule")
	}
	ok, _, _ = l.Allow(context.Background(), "handover", "submit")
	if ok {
		t.Fatalf("wildcard budget should apply to named ops")
	}
}

func TestLocalLimiter_NoDoubleSpendUnderConcurrency(t *testing.T) {
	rules := Rules{"email": {"send": {Limit: 10, Window: time.Hour}}}
	l := NewLocalLimiter(rules)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := l.Allow(context.Background(), "email", "send")
			if err != nil {
				t.Errorf("unexpected err: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 grants, got %d", allowed)
	}
}
