package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"text/template"
)

var knownAdapters = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
	"deepseek":  true,
	"mock":      true,
}

// Validate rejects inconsistent configuration. It is meant to run once at
// startup so that bad values never surface at call time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	r := c.Routing
	for label, target := range map[string]RouteTarget{"economy": r.Economy, "premium": r.Premium} {
		if !knownAdapters[target.Adapter] {
			add("routing.%s: unknown adapter %q", label, target.Adapter)
		}
		if target.Model == "" {
			add("routing.%s: model is required", label)
		}
	}
	if r.Threshold < 1 {
		add("routing.threshold must be positive, got %d", r.Threshold)
	}
	for i, rule := range r.Rules {
		if rule.Pattern == "" {
			add("routing.rules[%d]: pattern is required", i)
		}
	}
	for key, chain := range r.Fallback.FallbackChain {
		for i, target := range chain {
			if !knownAdapters[target.Adapter] {
				add("routing.fallback_chain.%s[%d]: unknown adapter %q", key, i, target.Adapter)
			}
		}
	}
	if r.RateLimit.RequestsPerSecond < 0 {
		add("routing.rate_limit.requests_per_second must not be negative")
	}

	b := c.Batch
	if b.BatchSize < 1 {
		add("batch.batch_size must be positive, got %d", b.BatchSize)
	}
	if b.BatchingThreshold < 1 || b.BatchingThreshold > b.BatchSize {
		add("batch.batching_threshold must be within [1, batch_size], got %d", b.BatchingThreshold)
	}
	if b.PollIntervalMs > b.MaxPollWaitMs {
		add("batch.poll_interval_ms exceeds max_poll_wait_ms")
	}

	p := c.Pipeline
	if p.ClarifyThreshold <= 0 || p.ClarifyThreshold > 1 {
		add("pipeline.clarify_threshold must be within (0, 1], got %v", p.ClarifyThreshold)
	}
	if len(p.ConfidenceWeights) != 4 {
		add("pipeline.confidence_weights needs 4 entries, got %d", len(p.ConfidenceWeights))
	} else {
		sum := 0.0
		for _, w := range p.ConfidenceWeights {
			if w <= 0 {
				add("pipeline.confidence_weights must be positive")
			}
			sum += w
		}
		if math.Abs(sum-1) > 0.01 {
			add("pipeline.confidence_weights must sum to 1, got %.3f", sum)
		}
	}
	if p.MaxConcurrency < 1 {
		add("pipeline.max_concurrency must be positive")
	}
	if p.MaxBatchRequests < 1 {
		add("pipeline.max_batch_requests must be positive")
	}
	if p.Repairs() < 0 {
		add("pipeline.max_repairs must not be negative")
	}

	names := make([]string, 0, len(p.Prompts))
	for name := range p.Prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := template.New(name).Option("missingkey=error").Parse(p.Prompts[name]); err != nil {
			add("pipeline.prompts.%s: %v", name, err)
		}
	}

	errs = append(errs, c.Aliases.ValidateRoutingConfig(&c.Routing)...)
	return errors.Join(errs...)
}
