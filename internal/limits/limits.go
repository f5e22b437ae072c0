// Package limits provides inbound flood protection: a per-connection
// message rate limiter and a global connection-count gate.
package limits

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// MessageLimiter throttles inbound frames on one connection using a token
// bucket. A frame that finds no token is dropped, not queued; the client's
// next snapshot or digest heals any resulting divergence.
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter creates a limiter sustaining perSec frames per second
// with the given burst.
func NewMessageLimiter(perSec, burst int) *MessageLimiter {
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether the next inbound frame may be processed.
func (l *MessageLimiter) Allow() bool {
	return l.limiter.Allow()
}

// ConnectionGate caps the number of concurrently accepted connections.
type ConnectionGate struct {
	max     int64
	current atomic.Int64
}

// NewConnectionGate creates a gate admitting at most max connections.
func NewConnectionGate(max int) *ConnectionGate {
	return &ConnectionGate{max: int64(max)}
}

// TryAcquire claims a connection slot; the caller must Release it on close.
func (g *ConnectionGate) TryAcquire() bool {
	if g.current.Add(1) > g.max {
		g.current.Add(-1)
		return false
	}
	return true
}

// Release frees a previously acquired slot.
func (g *ConnectionGate) Release() {
	g.current.Add(-1)
}

// Current returns the number of held slots.
func (g *ConnectionGate) Current() int {
	return int(g.current.Load())
}
