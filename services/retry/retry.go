package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/upb/adgen/services/providers"
)

// Strategy selects how the delay grows between attempts
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Config holds retry settings
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Multiplier  float64
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyExponential,
		Multiplier:  2,
	}
}

// Policy retries transient provider failures.
// A Policy is safe for concurrent use; each Execute builds its own backoff.
type Policy struct {
	config    Config
	retryable func(error) bool
	logger    *zap.Logger
}

// New creates a retry policy. Zero fields fall back to defaults.
func New(config Config, logger *zap.Logger) *Policy {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		config:    config,
		retryable: providers.IsRetryable,
		logger:    logger,
	}
}

// WithClassifier replaces the retryable predicate
func (p *Policy) WithClassifier(fn func(error) bool) *Policy {
	cp := *p
	cp.retryable = fn
	return &cp
}

// Attempts returns the attempt budget
func (p *Policy) Attempts() int {
	return p.config.MaxAttempts
}

// Config returns the effective configuration
func (p *Policy) Config() Config {
	return p.config
}

// Execute runs fn until it succeeds, fails permanently, the budget is spent,
// or ctx is done. The last error is returned on exhaustion.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.config.MaxAttempts),
			zap.Duration("wait", wait),
			zap.String("code", providers.ErrorCode(err)),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	if err != nil && attempt > 1 && !errors.Is(err, context.Canceled) {
		p.logger.Debug("retry budget finished with error",
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}

func (p *Policy) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch p.config.Strategy {
	case StrategyFixed:
		b = backoff.NewConstantBackOff(p.config.BaseDelay)
	default:
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = p.config.BaseDelay
		expo.MaxInterval = p.config.MaxDelay
		expo.Multiplier = p.config.Multiplier
		expo.RandomizationFactor = 0
		expo.MaxElapsedTime = 0
		b = expo
	}
	retries := p.config.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
