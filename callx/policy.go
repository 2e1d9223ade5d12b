package callx

import (
	"math"
	"time"

	"github.com/Abraxas-365/craftable/ptrx"
	"github.com/Abraxas-365/relayflow/flow"
)

// RetryPolicy controls attempts, backoff and the total latency budget of a call.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	BackoffFactor   float64       `json:"backoff_factor"`
	MaxInterval     time.Duration `json:"max_interval"`
	Jitter          float64       `json:"jitter"`
	Budget          time.Duration `json:"budget"`
}

// DefaultRetryPolicy returns the policy used when a node does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     5 * time.Second,
		Jitter:          0.2,
		Budget:          30 * time.Second,
	}
}

// Backoff returns the wait before attempt+1. rnd must return values in [0,1).
func (p RetryPolicy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if p.Jitter > 0 && rnd != nil {
		// spread evenly over [d*(1-j), d*(1+j)]
		d = d * (1 - p.Jitter + 2*p.Jitter*rnd())
	}
	return time.Duration(d)
}

// Override applies a node-level retry spec on top of p.
func (p RetryPolicy) Override(spec *flow.RetrySpec) RetryPolicy {
	if spec == nil {
		return p
	}
	if n := ptrx.IntValueOr(spec.MaxAttempts, 0); n > 0 {
		p.MaxAttempts = n
	}
	if ms := ptrx.IntValueOr(spec.InitialMs, 0); ms > 0 {
		p.InitialInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := ptrx.IntValueOr(spec.MaxMs, 0); ms > 0 {
		p.MaxInterval = time.Duration(ms) * time.Millisecond
	}
	return p
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts > 10 {
		p.MaxAttempts = 10
	}
	if p.Budget <= 0 {
		p.Budget = DefaultRetryPolicy().Budget
	}
	return p
}
