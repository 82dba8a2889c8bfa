// ratelimit.go paces REST calls against Kraken's API counter.
//
// Kraken charges each private call against a per-account counter that decays
// over time; exceeding it returns "EAPI:Rate limit exceeded" and, repeated,
// a temporary lockout. The limiters below stay comfortably inside the
// starter-tier budget. Order placement is additionally paced to one request
// per 200ms so a burst of grid levels never lands as a thundering herd.
package exchange

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by endpoint category. Every REST call waits
// on its category's limiter before going out.
type RateLimiter struct {
	Order  *rate.Limiter // AddOrder
	Cancel *rate.Limiter // CancelOrder, CancelAll
	Query  *rate.Limiter // balances, order queries, public endpoints
}

// NewRateLimiter creates limiters tuned to the starter-tier counter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		Cancel: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
		Query:  rate.NewLimiter(rate.Limit(1), 3),
	}
}
