package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ordermesh/backend-core/internal/config"
)

// Policy carries the retry budget and the backoff curve. The delay
// before attempt n+1 is min(MaxBackoff, InitialBackoff*Multiplier^(n-1)),
// spread by a uniform jitter of ±JitterFactor.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

// PolicyFromConfig maps the retry section of the service configuration.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff.Std(),
		MaxBackoff:     cfg.MaxBackoff.Std(),
		Multiplier:     cfg.Multiplier,
		JitterFactor:   cfg.JitterFactor,
	}
}

// BackOff returns a fresh delay source for one execution. Each call to
// NextBackOff yields the jittered delay before the next attempt.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = p.JitterFactor
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
