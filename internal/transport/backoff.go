package transport

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes retry delays for the channel's automatic reconnect
// loop: exponential growth with jitter, capped at maxDelay. The attempt
// counter resets after a connection stayed up for a minute, so a flaky link
// that recovers briefly does not keep paying the maximum delay.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration) *reconnector {
	return &reconnector{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
