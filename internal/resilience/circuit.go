// Package resilience guards calls to backup tiers with per-call timeouts,
// transient retries and per-tier circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of one tier's breaker.
type CircuitState int

const (
	// CircuitClosed passes calls to the tier.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast until the cool-down has passed.
	CircuitOpen
	// CircuitHalfOpen passes probe calls after the cool-down.
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling the tier while its breaker is
// open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig configures a tier breaker. Zero values take the
// defaults.
type CircuitBreakerConfig struct {
	FailureThreshold  int           // consecutive failures that open the circuit; 5
	ResetTimeout      time.Duration // cool-down before probing; 30s
	HalfOpenMaxProbes int           // successful probes that close it again; 1

	// ShouldTrip filters the errors that count as failures. Nil counts
	// every error.
	ShouldTrip func(err error) bool

	// OnStateChange runs on every transition while the breaker lock is held.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker settings used for tiers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return c
}

// CircuitBreaker counts consecutive failures of one tier.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int

	nowFunc func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// Execute calls fn unless the circuit is open and feeds its error back into
// the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.settle(err)
	return err
}

// State reports the breaker position. An open breaker past its cool-down
// reports half-open even before the next call moves it there.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.probes = 0, 0
	cb.moveTo(CircuitClosed)
}

// Counters returns the consecutive failure count and the stored state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return true
	}
	if !cb.cooledDown() {
		return false
	}
	cb.moveTo(CircuitHalfOpen)
	return true
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || (cb.cfg.ShouldTrip != nil && !cb.cfg.ShouldTrip(err)) {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	if cb.state != CircuitHalfOpen {
		cb.failures = 0
		return
	}
	cb.probes++
	if cb.probes < cb.cfg.HalfOpenMaxProbes {
		return
	}
	cb.failures, cb.probes = 0, 0
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.openedAt = cb.nowFunc()
	switch {
	case cb.state == CircuitHalfOpen:
		cb.probes = 0
		cb.moveTo(CircuitOpen)
	case cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.moveTo(CircuitOpen)
	}
}

// moveTo changes state and notifies. Same-state moves are ignored.
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// TierBreakers lazily creates one breaker per tier name.
type TierBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	byTier   map[string]*CircuitBreaker
	onChange func(tier string, from, to CircuitState)
}

// NewTierBreakers returns an empty registry whose breakers share cfg.
func NewTierBreakers(cfg CircuitBreakerConfig) *TierBreakers {
	return &TierBreakers{cfg: cfg, byTier: make(map[string]*CircuitBreaker)}
}

// OnStateChange registers fn for transitions of breakers created after the
// call.
func (tb *TierBreakers) OnStateChange(fn func(tier string, from, to CircuitState)) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.onChange = fn
}

// For returns the breaker guarding tier.
func (tb *TierBreakers) For(tier string) *CircuitBreaker {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if cb, ok := tb.byTier[tier]; ok {
		return cb
	}

	cfg := tb.cfg
	if notify := tb.onChange; notify != nil {
		own := cfg.OnStateChange
		cfg.OnStateChange = func(from, to CircuitState) {
			if own != nil {
				own(from, to)
			}
			notify(tier, from, to)
		}
	}
	cb := NewCircuitBreaker(cfg)
	tb.byTier[tier] = cb
	return cb
}

// States snapshots every breaker's position keyed by tier.
func (tb *TierBreakers) States() map[string]CircuitState {
	tb.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(tb.byTier))
	for tier, cb := range tb.byTier {
		breakers[tier] = cb
	}
	tb.mu.Unlock()

	states := make(map[string]CircuitState, len(breakers))
	for tier, cb := range breakers {
		states[tier] = cb.State()
	}
	return states
}
