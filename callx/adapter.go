// Package callx wraps HTTP, database and AI-model calls with the shared
// retry, timeout and rate-limit policy used by node handlers.
package callx

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/Abraxas-365/craftable/logx"
	"github.com/Abraxas-365/relayflow/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("relayflow/callx")

// Call is one logical external call. Do runs a single attempt and must honor
// ctx; its error is classified as transient or permanent.
type Call struct {
	Backend string
	Name    string
	Timeout time.Duration
	Policy  *RetryPolicy
	Do      func(ctx context.Context) (any, error)
}

// Invoker is the uniform retry wrapper.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// Adapter is the default Invoker.
type Adapter struct {
	policy RetryPolicy
	rps    float64
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rnd      *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

var _ Invoker = (*Adapter)(nil)

type Option func(*Adapter)

// WithRateLimit bounds attempts per second for each backend.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *Adapter) {
		a.rps = rps
		a.burst = burst
	}
}

// WithSeed makes jitter reproducible.
func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rnd = rand.New(rand.NewSource(seed)) }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = fn }
}

func NewAdapter(policy RetryPolicy, opts ...Option) *Adapter {
	a := &Adapter{
		policy:   policy.normalized(),
		limiters: make(map[string]*rate.Limiter),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Policy returns the default policy of the adapter.
func (a *Adapter) Policy() RetryPolicy { return a.policy }

// Invoke runs call until it succeeds, fails permanently, runs out of attempts
// or exceeds the latency budget. The last two return a CallError of kind
// Exhausted.
func (a *Adapter) Invoke(ctx context.Context, call Call) (any, error) {
	policy := a.policy
	if call.Policy != nil {
		policy = call.Policy.normalized()
	}

	ctx, span := tracer.Start(ctx, "callx."+call.Backend, trace.WithAttributes(
		attribute.String("callx.backend", call.Backend),
		attribute.String("callx.name", call.Name),
	))
	defer span.End()

	budgetCtx, cancel := context.WithTimeout(ctx, policy.Budget)
	defer cancel()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := a.limiter(call.Backend).Wait(budgetCtx); err != nil {
			lastErr = err
			break
		}

		attempts = attempt
		result, err := a.attempt(budgetCtx, call, attempt)
		if err == nil {
			span.SetAttributes(attribute.Int("callx.attempts", attempt))
			return result, nil
		}
		lastErr = err

		if classify(err) == KindPermanent {
			ce := asCallError(err, KindPermanent, call.Backend)
			ce.Attempts = attempt
			span.RecordError(ce)
			span.SetStatus(codes.Error, string(KindPermanent))
			return nil, ce
		}
		if attempt == policy.MaxAttempts {
			break
		}

		wait := a.backoff(policy, attempt)
		if deadline, ok := budgetCtx.Deadline(); ok && time.Until(deadline) <= wait {
			break
		}
		log.Printf("🔄 %s %s retrying in %v (attempt %d/%d): %v", call.Backend, call.Name, wait, attempt, policy.MaxAttempts, err)
		if err := a.sleep(budgetCtx, wait); err != nil {
			break
		}
	}

	ce := &CallError{
		Kind:     KindExhausted,
		Backend:  call.Backend,
		Attempts: attempts,
		Cause:    lastErr,
	}
	if prev, ok := lastErr.(*CallError); ok {
		ce.StatusCode = prev.StatusCode
	}
	if ctx.Err() == nil && budgetCtx.Err() != nil {
		ce.Message = "latency budget of " + policy.Budget.String() + " exceeded"
		if lastErr != nil {
			ce.Message += ": " + lastErr.Error()
		}
	}
	span.RecordError(ce)
	span.SetStatus(codes.Error, string(KindExhausted))
	return nil, ce
}

func (a *Adapter) attempt(ctx context.Context, call Call, attempt int) (any, error) {
	attemptCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := call.Do(attemptCtx)
	latency := time.Since(start)

	metrics.CallLatency.WithLabelValues(call.Backend).Observe(latency.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(classify(err))
		logx.Error("❌ %s %s attempt %d failed after %v: %v", call.Backend, call.Name, attempt, latency, err)
	} else {
		log.Printf("✅ %s %s attempt %d ok in %v", call.Backend, call.Name, attempt, latency)
	}
	metrics.CallAttempts.WithLabelValues(call.Backend, outcome).Inc()
	return result, err
}

func (a *Adapter) backoff(p RetryPolicy, attempt int) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return p.Backoff(attempt, a.rnd.Float64)
}

func (a *Adapter) limiter(backend string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[backend]
	if !ok {
		limit := rate.Inf
		burst := a.burst
		if a.rps > 0 {
			limit = rate.Limit(a.rps)
		}
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		a.limiters[backend] = l
	}
	return l
}

func asCallError(err error, kind ErrorKind, backend string) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		out := *ce
		out.Kind = kind
		if out.Backend == "" {
			out.Backend = backend
		}
		return &out
	}
	return &CallError{Kind: kind, Backend: backend, Cause: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
