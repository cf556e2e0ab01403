package policy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/govexec/internal/clock"
)

// RateLimitPolicyID labels decisions produced by RateLimited.
const RateLimitPolicyID = "rate_limit"

// RateLimited wraps a validator with a per-tenant token bucket. Requests over
// the limit are denied with reason "rate_limited" without consulting next.
type RateLimited struct {
	next  Validator
	limit rate.Limit
	burst int
	clock clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited creates the decorator. perSecond <= 0 disables limiting.
func NewRateLimited(next Validator, perSecond float64, burst int, clk clock.Clock) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	if clk == nil {
		clk = clock.System()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{
		next:     next,
		limit:    limit,
		burst:    burst,
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) limiter(tenantID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[tenantID] = l
	}
	return l
}

// Evaluate denies when the tenant's bucket is empty, otherwise delegates.
func (r *RateLimited) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if !r.limiter(req.Intent.TenantID).AllowN(r.clock.Now(), 1) {
		return Deny(RateLimitPolicyID, "rate_limited"), nil
	}
	return r.next.Evaluate(ctx, req)
}
