package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is the soft failure surfaced to detectors while a
// collaborator's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerRegistry keeps one circuit breaker per downstream collaborator so a
// Redis outage cannot trip the Kafka or LLM circuits.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	failures uint32
	cooldown time.Duration
}

// NewBreakerRegistry builds a registry where each breaker opens after
// consecutive failures and probes again after the cooldown.
func NewBreakerRegistry(consecutiveFailures uint32, cooldown time.Duration) *BreakerRegistry {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		failures: consecutiveFailures,
		cooldown: cooldown,
	}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := r.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn behind the named breaker. An open circuit or a rejected
// half-open probe maps to ErrCircuitOpen; other errors pass through wrapped
// into the breaker's failure counting.
func (r *BreakerRegistry) Execute(name string, fn func() error) error {
	_, err := r.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// States reports the current state of every registered breaker. Names with no
// traffic yet are absent.
func (r *BreakerRegistry) States() map[string]gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]gobreaker.State, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// AllClosed reports whether no breaker is fully open. Half-open breakers are
// probing and count as healthy for readiness purposes.
func (r *BreakerRegistry) AllClosed() bool {
	for _, state := range r.States() {
		if state == gobreaker.StateOpen {
			return false
		}
	}
	return true
}
