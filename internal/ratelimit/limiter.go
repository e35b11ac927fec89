// Package ratelimit implements C5: a non-blocking counted semaphore per
// model. Grounded in style (mutex-guarded map of per-key counters) on the
// rest of the example pack's rate limiters, e.g.
// ratelimit/limiter.go's coordinator-hook token bucket — but the algorithm
// itself is new: §4.3 requires a plain non-blocking counted semaphore, not a
// token bucket, because queueing here would defeat the account pool's own
// waiting logic.
package ratelimit

import (
	"sync"

	"github.com/forgebridge/assist-gateway/internal/metrics"
)

// ModelLimits resolves the slot capacity for a model.
type ModelLimits interface {
	ModelConcurrencyFor(model string) int
}

// Limiter is a per-model counted semaphore (§4.3, P4).
type Limiter struct {
	mu     sync.Mutex
	limits ModelLimits
	inUse  map[string]int
}

func New(limits ModelLimits) *Limiter {
	return &Limiter{limits: limits, inUse: map[string]int{}}
}

// AcquireModelSlot is non-blocking: it returns true iff a slot was taken.
// Callers that receive false must fail the request immediately (§4.3).
func (l *Limiter) AcquireModelSlot(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.limits.ModelConcurrencyFor(model)
	if l.inUse[model] >= capacity {
		return false
	}
	l.inUse[model]++
	metrics.ModelSlotsInUse.WithLabelValues(model).Set(float64(l.inUse[model]))
	return true
}

// ReleaseModelSlot must be called on every exit path of a request that
// successfully acquired a slot, including error and cancellation (§4.3).
func (l *Limiter) ReleaseModelSlot(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse[model] > 0 {
		l.inUse[model]--
	}
	metrics.ModelSlotsInUse.WithLabelValues(model).Set(float64(l.inUse[model]))
}

// InFlight reports the current in-flight count for a model (diagnostics /
// metrics only; not part of the acquire/release contract).
func (l *Limiter) InFlight(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[model]
}
