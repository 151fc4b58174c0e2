package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter guards outbound sends and provider API calls, per tier and
// per operation.
//
// Allow must be an atomic check-and-decrement: two workers can never
// both consume the last token of a window. Callers translate a denial
// into a rate-limit fault carrying retryAfter, so the queue requeues
// after the window resets without consuming a retry attempt.
type Limiter interface {
	Allow(ctx context.Context, tier, op string) (ok bool, retryAfter time.Duration, err error)
}

// Rule is one tier/operation budget: at most Limit operations per
// Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be > 0")
	}
	if r.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be > 0")
	}
	return nil
}

// Rules maps "tier/op" to a budget. The "*" op is the tier fallback.
type Rules map[string]map[string]Rule

// Lookup resolves the rule for a tier/op pair, falling back to the
// tier's "*" entry. ok=false means unlimited.
func (rs Rules) Lookup(tier, op string) (Rule, bool) {
	ops, found := rs[tier]
	if !found {
		return Rule{}, false
	}
	if r, found := ops[op]; found {
		return r, true
	}
	r, found := ops["*"]
	return r, found
}

// DefaultRules are conservative provider-facing budgets; production
// overrides come from config.
func DefaultRules() Rules {
	return Rules{
		"email": {"send": {Limit: 100, Window: time.Minute}},
		"sms":   {"send": {Limit: 30, Window: time.Minute}},
		"chat":  {"send": {Limit: 60, Window: time.Minute}},
		"handover": {
			"submit": {Limit: 10, Window: time.Minute},
			"*":      {Limit: 60, Window: time.Minute},
		},
	}
}
