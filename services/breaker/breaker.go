package breaker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Allow when calls are being rejected
var ErrOpen = errors.New("circuit breaker is open")

// State of a circuit breaker
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ParseState parses a state name, case-insensitively
func ParseState(s string) (State, error) {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateClosed:
		return StateClosed, nil
	case StateOpen:
		return StateOpen, nil
	case StateHalfOpen:
		return StateHalfOpen, nil
	}
	return "", fmt.Errorf("unknown breaker state %q", s)
}

// Outcome of one logical provider call
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Config holds the thresholds of one breaker. Rates are percentages.
type Config struct {
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	SlowCallDuration      time.Duration
	WindowSize            int
	MinimumCalls          int
	OpenCooldown          time.Duration
	HalfOpenMaxCalls      int
}

// DefaultConfig returns the default breaker thresholds
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:  50,
		SlowCallRateThreshold: 50,
		SlowCallDuration:      10 * time.Second,
		WindowSize:            10,
		MinimumCalls:          5,
		OpenCooldown:          30 * time.Second,
		HalfOpenMaxCalls:      3,
	}
}

func (c Config) withDefaults() Config {
	c = c.mergeOver(DefaultConfig())
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	return c
}

// mergeOver fills the zero fields of c from base
func (c Config) mergeOver(base Config) Config {
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = base.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = base.SlowCallRateThreshold
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = base.SlowCallDuration
	}
	if c.WindowSize <= 0 {
		c.WindowSize = base.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = base.MinimumCalls
	}
	if c.OpenCooldown <= 0 {
		c.OpenCooldown = base.OpenCooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = base.HalfOpenMaxCalls
	}
	return c
}

// Snapshot is a read-only view of a breaker
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	FailureRate    float64   `json:"failure_rate"`
	SlowCallRate   float64   `json:"slow_call_rate"`
	BufferedCalls  int       `json:"buffered_calls"`
	FailedCalls    int       `json:"failed_calls"`
	SlowCalls      int       `json:"slow_calls"`
	RejectedCalls  uint64    `json:"rejected_calls"`
	LastTransition time.Time `json:"last_transition"`
}

type record struct {
	failed bool
	slow   bool
}

// Breaker tracks the health of one provider over a count-based window
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            State
	generation       uint64
	window           []record
	next             int
	count            int
	failed           int
	slow             int
	halfOpenInFlight int
	openedAt         time.Time
	lastTransition   time.Time
	rejected         uint64
}

// New creates a closed breaker
func New(name string, config Config, logger *zap.Logger) *Breaker {
	config = config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Breaker{
		name:           name,
		config:         config,
		logger:         logger.With(zap.String("breaker", name)),
		now:            time.Now,
		state:          StateClosed,
		window:         make([]record, config.WindowSize),
		lastTransition: now,
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// Config returns the effective thresholds
func (b *Breaker) Config() Config { return b.config }

// State returns the current state, advancing OPEN to HALF_OPEN when the cooldown has elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Allow asks for permission to make one call.
// It returns ErrOpen without side effects other than counting the rejection.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateOpen:
		b.rejected++
		return nil, ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.rejected++
			return nil, ErrOpen
		}
		b.halfOpenInFlight++
		return &Permit{breaker: b, generation: b.generation, halfOpen: true}, nil
	default:
		return &Permit{breaker: b, generation: b.generation}, nil
	}
}

// Force moves the breaker to state regardless of its window
func (b *Breaker) Force(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(b.state, b.generation, state, "forced")
}

// Snapshot returns a read-only view of the breaker
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	s := Snapshot{
		Name:           b.name,
		State:          b.state,
		BufferedCalls:  b.count,
		FailedCalls:    b.failed,
		SlowCalls:      b.slow,
		RejectedCalls:  b.rejected,
		LastTransition: b.lastTransition,
	}
	if b.count > 0 {
		s.FailureRate = rate(b.failed, b.count)
		s.SlowCallRate = rate(b.slow, b.count)
	}
	return s
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.OpenCooldown {
		b.transitionLocked(StateOpen, b.generation, StateHalfOpen, "cooldown elapsed")
	}
}

// transitionLocked is a compare-and-set on (state, generation).
// Every transition bumps the generation and clears the window, so outcomes
// from permits issued before it are discarded.
func (b *Breaker) transitionLocked(from State, generation uint64, to State, reason string) bool {
	if b.state != from || b.generation != generation {
		return false
	}
	prev := b.state
	b.state = to
	b.generation++
	b.resetWindowLocked()
	b.halfOpenInFlight = 0
	b.lastTransition = b.now()
	if to == StateOpen {
		b.openedAt = b.lastTransition
	}

	b.logger.Info("circuit breaker state transition",
		zap.String("from", string(prev)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Uint64("generation", b.generation),
	)
	return true
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = record{}
	}
	b.next, b.count, b.failed, b.slow = 0, 0, 0, 0
}

func (b *Breaker) pushLocked(r record) {
	if b.count == len(b.window) {
		old := b.window[b.next]
		if old.failed {
			b.failed--
		}
		if old.slow {
			b.slow--
		}
	} else {
		b.count++
	}
	b.window[b.next] = r
	b.next = (b.next + 1) % len(b.window)
	if r.failed {
		b.failed++
	}
	if r.slow {
		b.slow++
	}
}

func (b *Breaker) complete(p *Permit, outcome Outcome, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation != b.generation {
		return
	}

	r := record{
		failed: outcome == Failure,
		slow:   latency >= b.config.SlowCallDuration,
	}

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		if r.failed {
			b.transitionLocked(StateHalfOpen, p.generation, StateOpen, "half-open trial failed")
		} else {
			b.transitionLocked(StateHalfOpen, p.generation, StateClosed, "half-open trial succeeded")
		}
	case StateClosed:
		b.pushLocked(r)
		if b.count < b.config.MinimumCalls {
			return
		}
		failureRate := rate(b.failed, b.count)
		slowRate := rate(b.slow, b.count)
		if failureRate >= b.config.FailureRateThreshold {
			b.transitionLocked(StateClosed, p.generation, StateOpen, fmt.Sprintf("failure rate %.0f%%", failureRate))
		} else if slowRate >= b.config.SlowCallRateThreshold {
			b.transitionLocked(StateClosed, p.generation, StateOpen, fmt.Sprintf("slow call rate %.0f%%", slowRate))
		}
	}
}

func (b *Breaker) release(p *Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.halfOpen && p.generation == b.generation && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

func rate(n, total int) float64 {
	return float64(n) * 100 / float64(total)
}

// Permit is permission for one logical call.
// Exactly one of Done or Cancel takes effect; later calls are ignored.
type Permit struct {
	breaker    *Breaker
	generation uint64
	halfOpen   bool
	used       int32
}

// Done records the outcome of the call
func (p *Permit) Done(outcome Outcome, latency time.Duration) {
	if !atomic.CompareAndSwapInt32(&p.used, 0, 1) {
		return
	}
	p.breaker.complete(p, outcome, latency)
}

// Cancel releases the permit without recording an outcome
func (p *Permit) Cancel() {
	if !atomic.CompareAndSwapInt32(&p.used, 0, 1) {
		return
	}
	p.breaker.release(p)
}
