package config

// RoutingConfig configures model selection and the direct executor.
//
// The complexity rules, threshold and length bonus were tuned empirically;
// they are operating parameters, not clinical fact.
type RoutingConfig struct {
	Economy         RouteTarget      `yaml:"economy"`
	Premium         RouteTarget      `yaml:"premium"`
	Rules           []ComplexityRule `yaml:"rules"`
	Threshold       int              `yaml:"threshold"`
	LengthThreshold int              `yaml:"length_threshold"`
	LengthBonus     int              `yaml:"length_bonus"`
	Retry           RetryConfig      `yaml:"retry,omitempty"`
	Fallback        FallbackConfig   `yaml:"fallback,omitempty"`
	Pricing         PricingConfig    `yaml:"pricing,omitempty"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit,omitempty"`
}

// ComplexityRule adds Weight to the complexity score when Pattern occurs.
type ComplexityRule struct {
	Pattern string `yaml:"pattern"`
	Weight  int    `yaml:"weight"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// RetryConfig defines retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// FallbackConfig defines adapter/model fallbacks.
type FallbackConfig struct {
	AllowFallback bool                     `yaml:"allow_fallback,omitempty"`
	FallbackChain map[string][]RouteTarget `yaml:"fallback_chain,omitempty"`
}

// RateLimitConfig bounds direct calls against the backend. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// PricingConfig maps adapter -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
	// BatchDiscount is the fraction of list price charged for batched calls.
	BatchDiscount float64 `yaml:"batch_discount,omitempty"`
}

// CacheConfig configures the prompt cache classifier.
type CacheConfig struct {
	MinLength       int      `yaml:"min_length"`
	Markers         []string `yaml:"markers"`
	LeadingMessages int      `yaml:"leading_messages"`
}

// BatchConfig configures the batch scheduler.
type BatchConfig struct {
	Enabled           bool `yaml:"enabled"`
	BatchSize         int  `yaml:"batch_size"`
	BatchingThreshold int  `yaml:"batching_threshold"`
	MaxWaitMs         int  `yaml:"max_wait_ms"`
	PollIntervalMs    int  `yaml:"poll_interval_ms"`
	MaxPollWaitMs     int  `yaml:"max_poll_wait_ms"`
}

// PipelineConfig configures the conductor.
type PipelineConfig struct {
	ClarifyThreshold  float64           `yaml:"clarify_threshold"`
	ConfidenceWeights []float64         `yaml:"confidence_weights"`
	MaxConcurrency    int               `yaml:"max_concurrency"`
	MaxBatchRequests  int               `yaml:"max_batch_requests"`
	MinSymptomLength  int               `yaml:"min_symptom_length"`
	MaxRepairs        *int              `yaml:"max_repairs,omitempty"`
	EvidenceDir       string            `yaml:"evidence_dir,omitempty"`
	Prompts           map[string]string `yaml:"prompts,omitempty"`
}

// Repairs returns the configured repair budget.
func (p PipelineConfig) Repairs() int {
	if p.MaxRepairs == nil {
		return 1
	}
	return *p.MaxRepairs
}

// DefaultComplexityRules returns the built-in complexity scoring table.
func DefaultComplexityRules() []ComplexityRule {
	return []ComplexityRule{
		{Pattern: "differential diagnosis", Weight: 3},
		{Pattern: "multiple comorbidities", Weight: 2},
		{Pattern: "polypharmacy", Weight: 2},
		{Pattern: "immunocompromised", Weight: 2},
		{Pattern: "pregnancy", Weight: 2},
		{Pattern: "pregnant", Weight: 2},
		{Pattern: "anticoagulant", Weight: 2},
		{Pattern: "risk stratification", Weight: 1},
		{Pattern: "comorbidity", Weight: 1},
		{Pattern: "pediatric", Weight: 1},
		{Pattern: "infant", Weight: 1},
		{Pattern: "elderly", Weight: 1},
		{Pattern: "red flag", Weight: 1},
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Environment: "development",
		Server:      ServerConfig{Addr: ":8080"},
		Logging:     LoggingConfig{Level: "info"},
		Routing: RoutingConfig{
			Economy:         RouteTarget{Adapter: "anthropic", Model: "economy"},
			Premium:         RouteTarget{Adapter: "anthropic", Model: "premium"},
			Rules:           DefaultComplexityRules(),
			Threshold:       3,
			LengthThreshold: 2000,
			LengthBonus:     1,
			Pricing: PricingConfig{
				"anthropic": {
					"claude-3-5-haiku-20241022": {PromptPer1K: 0.0008, CompletionPer1K: 0.004, BatchDiscount: 0.5},
					"claude-sonnet-4-20250514":  {PromptPer1K: 0.003, CompletionPer1K: 0.015, BatchDiscount: 0.5},
				},
				"openai": {
					"gpt-4o-mini": {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
					"gpt-4o":      {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
				},
			},
		},
		Cache: CacheConfig{
			MinLength:       1024,
			Markers:         []string{"You are", "Guidelines:", "Instructions:"},
			LeadingMessages: 2,
		},
		Batch: BatchConfig{
			Enabled:           false,
			BatchSize:         10,
			BatchingThreshold: 3,
			MaxWaitMs:         5000,
			PollIntervalMs:    10000,
			MaxPollWaitMs:     3600000,
		},
		Pipeline: PipelineConfig{
			ClarifyThreshold:  0.6,
			ConfidenceWeights: []float64{0.30, 0.30, 0.25, 0.15},
			MaxConcurrency:    5,
			MaxBatchRequests:  100,
			MinSymptomLength:  5,
		},
		Aliases: DefaultAliases(),
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	r := &cfg.Routing
	if r.Economy.Adapter == "" {
		r.Economy = RouteTarget{Adapter: "anthropic", Model: "economy"}
	}
	if r.Premium.Adapter == "" {
		r.Premium = RouteTarget{Adapter: "anthropic", Model: "premium"}
	}
	if len(r.Rules) == 0 {
		r.Rules = DefaultComplexityRules()
	}
	if r.Threshold == 0 {
		r.Threshold = 3
	}
	if r.LengthThreshold == 0 {
		r.LengthThreshold = 2000
	}
	if r.Retry.MaxRetries == 0 {
		r.Retry.MaxRetries = 2
	}
	if r.Retry.BaseBackoffMs == 0 {
		r.Retry.BaseBackoffMs = 200
	}
	if r.Retry.MaxBackoffMs == 0 {
		r.Retry.MaxBackoffMs = 2000
	}
	if r.Retry.MaxBackoffMs < r.Retry.BaseBackoffMs {
		r.Retry.MaxBackoffMs = r.Retry.BaseBackoffMs
	}

	c := &cfg.Cache
	if c.MinLength == 0 {
		c.MinLength = 1024
	}
	if len(c.Markers) == 0 {
		c.Markers = []string{"You are", "Guidelines:", "Instructions:"}
	}
	if c.LeadingMessages == 0 {
		c.LeadingMessages = 2
	}

	b := &cfg.Batch
	if b.BatchSize == 0 {
		b.BatchSize = 10
	}
	if b.BatchingThreshold == 0 {
		b.BatchingThreshold = 3
	}
	if b.MaxWaitMs == 0 {
		b.MaxWaitMs = 5000
	}
	if b.PollIntervalMs == 0 {
		b.PollIntervalMs = 10000
	}
	if b.MaxPollWaitMs == 0 {
		b.MaxPollWaitMs = 3600000
	}

	p := &cfg.Pipeline
	if p.ClarifyThreshold == 0 {
		p.ClarifyThreshold = 0.6
	}
	if len(p.ConfidenceWeights) == 0 {
		p.ConfidenceWeights = []float64{0.30, 0.30, 0.25, 0.15}
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = 5
	}
	if p.MaxBatchRequests == 0 {
		p.MaxBatchRequests = 100
	}
	if p.MinSymptomLength == 0 {
		p.MinSymptomLength = 5
	}

	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases()
	}
	cfg.Aliases.ensureMaps()
}
