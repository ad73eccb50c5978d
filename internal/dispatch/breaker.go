package dispatch

import (
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// breakers holds one circuit breaker per sink name.
type breakers struct {
	mu sync.RWMutex
	m  map[string]*circuit.Breaker
}

func newBreakers() *breakers {
	return &breakers{m: make(map[string]*circuit.Breaker)}
}

// get returns or creates the breaker for a sink. It trips after 5
// consecutive failures and retries after 30s, doubling up to 5m.
func (b *breakers) get(sink string) *circuit.Breaker {
	b.mu.RLock()
	breaker, exists := b.m[sink]
	b.mu.RUnlock()

	if exists {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if breaker, exists := b.m[sink]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ConsecutiveTripFunc(5),
	})
	b.m[sink] = breaker
	return breaker
}

// states reports "open" or "closed" per sink.
func (b *breakers) states() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string, len(b.m))
	for sink, breaker := range b.m {
		if breaker.Tripped() {
			states[sink] = "open"
		} else {
			states[sink] = "closed"
		}
	}
	return states
}
