package callx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/ai/llm"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testAdapter(p RetryPolicy) *Adapter {
	return NewAdapter(p, WithSleep(noSleep), WithSeed(1))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{InitialInterval: 100 * time.Millisecond, BackoffFactor: 2, MaxInterval: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, nil))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3, nil))

	p.Jitter = 0.5
	assert.Equal(t, 50*time.Millisecond, p.Backoff(1, func() float64 { return 0 }))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, func() float64 { return 0.5 }))
}

func TestOverride(t *testing.T) {
	n, ms := 5, 50
	p := DefaultRetryPolicy().Override(&flow.RetrySpec{MaxAttempts: &n, InitialMs: &ms})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.InitialInterval)
	assert.Equal(t, DefaultRetryPolicy().MaxInterval, p.MaxInterval)
}

func TestInvokeRetriesTransient(t *testing.T) {
	a := testAdapter(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, Budget: time.Second})
	var calls int32
	out, err := a.Invoke(context.Background(), Call{
		Backend: "test",
		Do: func(ctx context.Context) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, Transient(errors.New("flaky"))
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls)
}

func TestInvokePermanentFailsFast(t *testing.T) {
	a := testAdapter(RetryPolicy{MaxAttempts: 5, Budget: time.Second})
	var calls int32
	_, err := a.Invoke(context.Background(), Call{
		Backend: "test",
		Do: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("bad request")
		},
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls)
}

func TestInvokeExhausted(t *testing.T) {
	a := testAdapter(RetryPolicy{MaxAttempts: 3, Budget: time.Second})
	var calls int32
	_, err := a.Invoke(context.Background(), Call{
		Backend: "test",
		Do: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, context.DeadlineExceeded
		},
	})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, int32(3), calls)

	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
}

func TestInvokeBudget(t *testing.T) {
	a := NewAdapter(RetryPolicy{MaxAttempts: 10, InitialInterval: time.Millisecond, Budget: 80 * time.Millisecond})
	start := time.Now()
	_, err := a.Invoke(context.Background(), Call{
		Backend: "test",
		Do: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPClient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if atomic.AddInt32(&hits, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"q":"` + r.URL.Query().Get("q") + `"}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`not here`))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), testAdapter(RetryPolicy{MaxAttempts: 3, Budget: time.Second}))

	resp, err := c.Do(context.Background(), HTTPRequest{URL: srv.URL + "/flaky", Query: map[string]string{"q": "x"}})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, map[string]any{"ok": true, "q": "x"}, resp.Body)
	assert.Equal(t, int32(2), hits)

	resp, err = c.Do(context.Background(), HTTPRequest{URL: srv.URL + "/missing"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "not here", resp.Body)

	_, err = c.Do(context.Background(), HTTPRequest{URL: "ftp://example.com"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestLLMClient(t *testing.T) {
	var calls int32
	complete := func(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", errors.New("rate limited")
		}
		return "hola", nil
	}
	c := NewLLMClient(complete, "gpt-4o-mini", testAdapter(RetryPolicy{MaxAttempts: 2, Budget: time.Second}))
	text, err := c.Complete(context.Background(), Prompt{Prompt: "hi", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "hola", text)
	assert.Equal(t, int32(2), calls)

	var nilClient *LLMClient
	_, err = nilClient.Complete(context.Background(), Prompt{Prompt: "x"})
	assert.True(t, IsPermanent(err))
}

func TestStatusKind(t *testing.T) {
	assert.Equal(t, KindTransient, StatusKind(503))
	assert.Equal(t, KindTransient, StatusKind(429))
	assert.Equal(t, KindPermanent, StatusKind(400))
	assert.Equal(t, ErrorKind(""), StatusKind(204))
}
