package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/artifact"
	"github.com/zen-systems/careflow/pkg/config"
)

// flakyAdapter fails its first failures calls with err, then succeeds.
type flakyAdapter struct {
	name     string
	failures int
	err      error

	mu    sync.Mutex
	calls int
}

func (a *flakyAdapter) Complete(_ context.Context, req *adapter.Request) (*adapter.Response, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	if n <= a.failures {
		return nil, a.err
	}
	art := artifact.New("ok from "+a.name, a.name, req.Model, req.Digest())
	return &adapter.Response{Artifact: art, Usage: &adapter.Usage{PromptTokens: 1000, CompletionTokens: 1000}}, nil
}

func (a *flakyAdapter) Name() string     { return a.name }
func (a *flakyAdapter) Models() []string { return []string{"m"} }

func (a *flakyAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func fastRetry() *config.RoutingConfig {
	return &config.RoutingConfig{
		Retry: config.RetryConfig{MaxRetries: 2, BaseBackoffMs: 1, MaxBackoffMs: 2},
		Pricing: config.PricingConfig{
			"primary": {"m": {PromptPer1K: 0.01, CompletionPer1K: 0.02, BatchDiscount: 0.5}},
		},
	}
}

func TestDirectExecutorRetriesTransient(t *testing.T) {
	primary := &flakyAdapter{name: "primary", failures: 2, err: &adapter.AdapterError{Provider: "primary", Status: 503}}
	exec := NewDirectExecutor(map[string]adapter.Adapter{"primary": primary}, fastRetry())

	resp, reports, err := exec.Execute(context.Background(), "primary", &adapter.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok from primary", resp.Content())
	assert.Equal(t, 3, primary.Calls())
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Retries)
	assert.InDelta(t, 0.03, reports[0].Cost.Amount, 1e-9)
	assert.Equal(t, reports, resp.Reports)
}

func TestDirectExecutorDoesNotRetryPermanent(t *testing.T) {
	primary := &flakyAdapter{name: "primary", failures: 5, err: &adapter.AdapterError{Provider: "primary", Status: 401}}
	exec := NewDirectExecutor(map[string]adapter.Adapter{"primary": primary}, fastRetry())

	_, reports, err := exec.Execute(context.Background(), "primary", &adapter.Request{Model: "m"})
	require.Error(t, err)
	var aerr *adapter.AdapterError
	assert.True(t, errors.As(err, &aerr))
	assert.Equal(t, 1, primary.Calls())
	require.Len(t, reports, 1)
	assert.NotEmpty(t, reports[0].Error)
}

func TestDirectExecutorFallback(t *testing.T) {
	primary := &flakyAdapter{name: "primary", failures: 10, err: &adapter.AdapterError{Provider: "primary", Status: 500}}
	backup := &flakyAdapter{name: "backup"}
	cfg := fastRetry()
	cfg.Fallback = config.FallbackConfig{
		AllowFallback: true,
		FallbackChain: map[string][]config.RouteTarget{"primary": {{Adapter: "backup", Model: "b1"}}},
	}
	exec := NewDirectExecutor(map[string]adapter.Adapter{"primary": primary, "backup": backup}, cfg)

	resp, reports, err := exec.Execute(context.Background(), "primary", &adapter.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok from backup", resp.Content())
	assert.Equal(t, "b1", resp.Artifact.Model)
	require.Len(t, reports, 2)
	assert.NotEmpty(t, reports[0].Error)
	assert.True(t, reports[1].FallbackUsed)
}

func TestDirectExecutorUnknownAdapter(t *testing.T) {
	exec := NewDirectExecutor(map[string]adapter.Adapter{}, fastRetry())
	_, _, err := exec.Execute(context.Background(), "ghost", &adapter.Request{Model: "m"})
	assert.ErrorContains(t, err, "adapter ghost not found")
}

func TestDirectExecutorRateLimitHonoursContext(t *testing.T) {
	cfg := fastRetry()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	primary := &flakyAdapter{name: "primary"}
	exec := NewDirectExecutor(map[string]adapter.Adapter{"primary": primary}, cfg)

	_, _, err := exec.Execute(context.Background(), "primary", &adapter.Request{Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = exec.Execute(ctx, "primary", &adapter.Request{Model: "m"})
	assert.Error(t, err)
	assert.Equal(t, 1, primary.Calls())
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, computeBackoff(200, 2000, 0))
	assert.Equal(t, 800*time.Millisecond, computeBackoff(200, 2000, 2))
	assert.Equal(t, 2000*time.Millisecond, computeBackoff(200, 2000, 6))
}

func TestEstimateCost(t *testing.T) {
	pricing := fastRetry().Pricing
	usage := adapter.Usage{PromptTokens: 1000, CompletionTokens: 1000, CacheReadTokens: 1000}

	direct, ok := EstimateCost(pricing, "primary", "m", usage, false)
	require.True(t, ok)
	assert.InDelta(t, 0.031, direct.Amount, 1e-9)

	batched, _ := EstimateCost(pricing, "primary", "m", usage, true)
	assert.InDelta(t, 0.0155, batched.Amount, 1e-9)
	assert.Equal(t, "per_1k_tokens_batch", batched.PricingModel)

	_, ok = EstimateCost(pricing, "other", "m", usage, false)
	assert.False(t, ok)
}
