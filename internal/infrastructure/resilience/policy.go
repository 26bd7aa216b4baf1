package resilience

import (
	"strings"
	"time"
)

// Config is the retry and circuit breaker policy of an Executor. The base values fit model
// calls, which are slow and rate limited; Overrides tune operations that fail differently.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	Overrides []Override
}

// Override adjusts the policy of operations whose name starts with Prefix. Zero fields keep
// the base value. The longest matching prefix wins.
type Override struct {
	Prefix              string
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	BreakerOpenTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      5,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      60 * time.Second,
		BreakerHalfOpenMaxCalls: 1,

		// intake triggers and events are best effort; the folder scan covers a lost publish
		Overrides: []Override{{
			Prefix:              "nats.",
			RetryMaxAttempts:    2,
			RetryInitialBackoff: 50 * time.Millisecond,
			RetryMaxBackoff:     200 * time.Millisecond,
			BreakerOpenTimeout:  10 * time.Second,
		}},
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}

// forOperation applies the best matching override to a normalized config.
func (c Config) forOperation(operation string) Config {
	var best *Override
	for i := range c.Overrides {
		o := &c.Overrides[i]
		if o.Prefix == "" || !strings.HasPrefix(operation, o.Prefix) {
			continue
		}
		if best == nil || len(o.Prefix) > len(best.Prefix) {
			best = o
		}
	}
	if best == nil {
		return c
	}

	out := c
	if best.RetryMaxAttempts > 0 {
		out.RetryMaxAttempts = best.RetryMaxAttempts
	}
	if best.RetryInitialBackoff > 0 {
		out.RetryInitialBackoff = best.RetryInitialBackoff
	}
	if best.RetryMaxBackoff > 0 {
		out.RetryMaxBackoff = best.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if best.BreakerOpenTimeout > 0 {
		out.BreakerOpenTimeout = best.BreakerOpenTimeout
	}
	return out
}
