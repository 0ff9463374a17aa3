package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderPolicy overrides retry, breaker and timeout settings for one provider.
// Zero fields inherit the global ResilienceConfig values.
type ProviderPolicy struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryPolicy   `yaml:"retry"`
	Breaker BreakerPolicy `yaml:"breaker"`
}

// RetryPolicy is the YAML form of a retry override
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Strategy    string        `yaml:"strategy"`
}

// IsZero reports whether no retry field is overridden
func (p RetryPolicy) IsZero() bool {
	return p == RetryPolicy{}
}

// BreakerPolicy is the YAML form of a circuit breaker override
type BreakerPolicy struct {
	FailureRateThreshold  float64       `yaml:"failure_rate_threshold"`
	SlowCallRateThreshold float64       `yaml:"slow_call_rate_threshold"`
	SlowCallDuration      time.Duration `yaml:"slow_call_duration"`
	WindowSize            int           `yaml:"window_size"`
	MinimumCalls          int           `yaml:"minimum_calls"`
	OpenCooldown          time.Duration `yaml:"open_cooldown"`
	HalfOpenMaxCalls      int           `yaml:"half_open_max_calls"`
}

type policyFile struct {
	Providers map[string]ProviderPolicy `yaml:"providers"`
}

// DefaultProviderPolicies returns the built-in per-provider breaker tuning
func DefaultProviderPolicies() map[string]ProviderPolicy {
	return map[string]ProviderPolicy{
		"openai": {
			Breaker: BreakerPolicy{
				FailureRateThreshold: 60,
				OpenCooldown:         60 * time.Second,
				WindowSize:           20,
				MinimumCalls:         10,
				SlowCallDuration:     15 * time.Second,
			},
		},
		"gemini": {
			Breaker: BreakerPolicy{
				FailureRateThreshold: 50,
				OpenCooldown:         45 * time.Second,
				WindowSize:           15,
				MinimumCalls:         8,
				SlowCallDuration:     12 * time.Second,
			},
		},
		"anthropic": {
			Breaker: BreakerPolicy{
				FailureRateThreshold: 55,
				OpenCooldown:         30 * time.Second,
				WindowSize:           12,
				MinimumCalls:         6,
				SlowCallDuration:     20 * time.Second,
			},
		},
	}
}

// LoadProviderPolicies reads per-provider overrides from a YAML file and
// merges them over the defaults. An empty path or a missing file yields the defaults.
func LoadProviderPolicies(path string) (map[string]ProviderPolicy, error) {
	policies := DefaultProviderPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policies, nil
		}
		return nil, fmt.Errorf("read provider policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider policy file: %w", err)
	}

	for name, override := range f.Providers {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if s := override.Retry.Strategy; s != "" && s != "fixed" && s != "exponential" {
			return nil, fmt.Errorf("provider %s: unknown retry strategy %q", key, s)
		}
		if r := override.Breaker.FailureRateThreshold; r < 0 || r > 100 {
			return nil, fmt.Errorf("provider %s: failure_rate_threshold must be within 0..100", key)
		}
		policies[key] = mergePolicy(override, policies[key])
	}
	return policies, nil
}

// mergePolicy fills zero fields of p from base
func mergePolicy(p, base ProviderPolicy) ProviderPolicy {
	if p.Timeout == 0 {
		p.Timeout = base.Timeout
	}

	r, br := &p.Retry, base.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = br.MaxAttempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = br.BaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = br.MaxDelay
	}
	if r.Strategy == "" {
		r.Strategy = br.Strategy
	}

	b, bb := &p.Breaker, base.Breaker
	if b.FailureRateThreshold == 0 {
		b.FailureRateThreshold = bb.FailureRateThreshold
	}
	if b.SlowCallRateThreshold == 0 {
		b.SlowCallRateThreshold = bb.SlowCallRateThreshold
	}
	if b.SlowCallDuration == 0 {
		b.SlowCallDuration = bb.SlowCallDuration
	}
	if b.WindowSize == 0 {
		b.WindowSize = bb.WindowSize
	}
	if b.MinimumCalls == 0 {
		b.MinimumCalls = bb.MinimumCalls
	}
	if b.OpenCooldown == 0 {
		b.OpenCooldown = bb.OpenCooldown
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = bb.HalfOpenMaxCalls
	}
	return p
}
