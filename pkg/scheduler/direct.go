package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
)

type callTarget struct {
	Adapter string
	Model   string
}

// DirectExecutor performs single synchronous calls with retry, backoff,
// fallback and rate limiting.
type DirectExecutor struct {
	adapters map[string]adapter.Adapter
	cfg      *config.RoutingConfig
	limiter  *rate.Limiter
	clock    Clock
	logger   *zap.Logger
}

// DirectOption configures a DirectExecutor.
type DirectOption func(*DirectExecutor)

// WithDirectClock sets the clock used for backoff sleeps.
func WithDirectClock(clock Clock) DirectOption {
	return func(e *DirectExecutor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithDirectLogger sets the executor logger.
func WithDirectLogger(logger *zap.Logger) DirectOption {
	return func(e *DirectExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewDirectExecutor creates an executor over the given adapters.
func NewDirectExecutor(adapters map[string]adapter.Adapter, cfg *config.RoutingConfig, opts ...DirectOption) *DirectExecutor {
	e := &DirectExecutor{
		adapters: adapters,
		cfg:      cfg,
		clock:    defaultClock(),
		logger:   zap.NewNop(),
	}
	if cfg != nil && cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Adapter returns a registered adapter by name.
func (e *DirectExecutor) Adapter(name string) (adapter.Adapter, bool) {
	a, ok := e.adapters[name]
	return a, ok
}

// Adapters returns the registered adapter names.
func (e *DirectExecutor) Adapters() map[string]adapter.Adapter {
	return e.adapters
}

// Execute runs req against adapterName, retrying transient failures and
// walking the fallback chain. Reports cover every target that was tried.
func (e *DirectExecutor) Execute(ctx context.Context, adapterName string, req *adapter.Request) (*adapter.Response, []adapter.CallReport, error) {
	targets := e.buildTargets(adapterName, req.Model)
	retryCfg := e.retrySettings()
	var reports []adapter.CallReport
	var lastErr error

	for idx, target := range targets {
		adapterImpl, ok := e.adapters[target.Adapter]
		if !ok {
			lastErr = fmt.Errorf("adapter %s not found", target.Adapter)
			reports = append(reports, adapter.CallReport{
				Adapter:      target.Adapter,
				Model:        target.Model,
				Cost:         adapter.Cost{Currency: "USD"},
				FallbackUsed: idx > 0,
				Error:        lastErr.Error(),
			})
			continue
		}

		call := *req
		call.Model = target.Model

		for attempt := 0; attempt <= retryCfg.MaxRetries; attempt++ {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return nil, reports, err
				}
			}

			resp, err := adapterImpl.Complete(ctx, &call)
			if err == nil {
				usage := normalizeUsage(resp.Usage)
				cost, _ := EstimateCost(e.pricing(), target.Adapter, target.Model, usage, false)
				reports = append(reports, adapter.CallReport{
					Adapter:      target.Adapter,
					Model:        target.Model,
					Usage:        usage,
					Cost:         cost,
					Retries:      attempt,
					FallbackUsed: idx > 0,
				})
				resp.Reports = reports
				return resp, reports, nil
			}

			lastErr = err
			if !adapter.IsTransient(err) || attempt == retryCfg.MaxRetries {
				reports = append(reports, adapter.CallReport{
					Adapter:      target.Adapter,
					Model:        target.Model,
					Cost:         adapter.Cost{Currency: "USD"},
					Retries:      attempt,
					FallbackUsed: idx > 0,
					Error:        err.Error(),
				})
				break
			}

			backoff := computeBackoff(retryCfg.BaseBackoffMs, retryCfg.MaxBackoffMs, attempt)
			e.logger.Debug("retrying transient failure",
				zap.String("adapter", target.Adapter),
				zap.String("model", target.Model),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if err := sleepWithContext(ctx, e.clock, backoff); err != nil {
				return nil, reports, err
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("adapter call failed")
	}
	return nil, reports, lastErr
}

func (e *DirectExecutor) buildTargets(adapterName, model string) []callTarget {
	targets := []callTarget{{Adapter: adapterName, Model: model}}
	if e.cfg == nil || !e.cfg.Fallback.AllowFallback {
		return targets
	}
	for _, entry := range resolveFallbackChain(e.cfg, adapterName, model) {
		targets = append(targets, callTarget{Adapter: entry.Adapter, Model: entry.Model})
	}
	return targets
}

func resolveFallbackChain(cfg *config.RoutingConfig, adapterName, model string) []config.RouteTarget {
	if cfg == nil || cfg.Fallback.FallbackChain == nil {
		return nil
	}
	key := fmt.Sprintf("%s/%s", adapterName, model)
	if chain, ok := cfg.Fallback.FallbackChain[key]; ok {
		return chain
	}
	if chain, ok := cfg.Fallback.FallbackChain[adapterName]; ok {
		return chain
	}
	return nil
}

func (e *DirectExecutor) retrySettings() config.RetryConfig {
	if e.cfg == nil {
		return config.RetryConfig{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000}
	}
	return e.cfg.Retry
}

func (e *DirectExecutor) pricing() config.PricingConfig {
	if e.cfg == nil {
		return nil
	}
	return e.cfg.Pricing
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	limit := time.Duration(maxMs) * time.Millisecond
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}
