package resilience

import (
	"time"

	"github.com/sells-group/docintel/internal/config"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(rc config.RetryConfig, attemptTimeoutSecs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	if rc.Multiplier > 0 {
		cfg.Multiplier = rc.Multiplier
	}
	if rc.JitterFraction >= 0 {
		cfg.JitterFraction = rc.JitterFraction
	}
	if attemptTimeoutSecs > 0 {
		cfg.AttemptTimeout = time.Duration(attemptTimeoutSecs) * time.Second
	}
	return cfg
}

// FromCircuitConfig converts config values to a BreakerConfig.
func FromCircuitConfig(cc config.CircuitConfig) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if cc.FailureThreshold > 0 {
		cfg.FailureThreshold = cc.FailureThreshold
	}
	if cc.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(cc.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
