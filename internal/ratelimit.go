package internal

import (
	"sync"
	"time"
)

// RateDecision is the outcome of one rate-limit check. ResetAt is the end
// of the current fixed window regardless of whether the request was
// allowed.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter enforces a fixed-window limit per client key. Counting is
// check-and-increment under one lock, so concurrent requests in the same
// window can never admit more than the limit.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*rateWindow

	now func() time.Time // Swapped in tests.
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter builds a limiter admitting limit requests per window per
// client. A janitor prunes idle clients so the map doesn't grow with
// every address ever seen.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		clients: map[string]*rateWindow{},
		now:     time.Now,
	}
	go func() {
		for {
			time.Sleep(5 * window)
			rl.prune()
		}
	}()
	return rl
}

// Allow counts a request against the client's current window and reports
// whether it may proceed. The window is anchored at the first request
// seen after the previous window lapsed.
func (rl *RateLimiter) Allow(client string) RateDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[client]
	if !ok || now.Sub(w.start) >= rl.window {
		w = &rateWindow{start: now}
		rl.clients[client] = w
	}

	resetAt := w.start.Add(rl.window)
	if w.count >= rl.limit {
		return RateDecision{
			Limit:      rl.limit,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return RateDecision{
		Allowed:   true,
		Limit:     rl.limit,
		Remaining: rl.limit - w.count,
		ResetAt:   resetAt,
	}
}

// Status reports the client's window without consuming a request.
func (rl *RateLimiter) Status(client string) RateDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[client]
	if !ok || now.Sub(w.start) >= rl.window {
		return RateDecision{
			Allowed:   true,
			Limit:     rl.limit,
			Remaining: rl.limit,
			ResetAt:   now.Add(rl.window),
		}
	}

	d := RateDecision{
		Allowed:   w.count < rl.limit,
		Limit:     rl.limit,
		Remaining: max(0, rl.limit-w.count),
		ResetAt:   w.start.Add(rl.window),
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for client, w := range rl.clients {
		if now.Sub(w.start) >= rl.window {
			delete(rl.clients, client)
		}
	}
}
