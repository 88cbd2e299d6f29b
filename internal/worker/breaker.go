package worker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerSet keeps one circuit breaker per mailbox. A mailbox whose
// provider keeps failing trips its breaker and has its jobs deferred
// instead of burning attempts against a dead upstream.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakerSet) forMailbox(mailbox string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[mailbox]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mailbox:" + mailbox,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	b.breakers[mailbox] = cb
	return cb
}
