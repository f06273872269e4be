package router

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
)

// ModelRouter selects an economy or premium model for a call by scoring the
// message text against a weighted pattern table.
type ModelRouter struct {
	cfg     *config.RoutingConfig
	rules   *RuleSet
	aliases *config.ModelAliases
	logger  *zap.Logger
}

// RouteInfo describes a routing tier for display.
type RouteInfo struct {
	Tier          Tier
	Adapter       string
	Model         string // May be alias
	ResolvedModel string // Canonical model name
}

// RouterOption configures a ModelRouter.
type RouterOption func(*ModelRouter)

// WithAliases sets the model aliases for the router.
func WithAliases(aliases *config.ModelAliases) RouterOption {
	return func(r *ModelRouter) {
		r.aliases = aliases
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) RouterOption {
	return func(r *ModelRouter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewModelRouter creates a router from routing config.
func NewModelRouter(cfg *config.RoutingConfig, opts ...RouterOption) *ModelRouter {
	r := &ModelRouter{
		cfg:    cfg,
		rules:  NewRuleSet(cfg.Rules),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Score returns the complexity score of the combined message text and the
// reasons that contributed to it.
func (r *ModelRouter) Score(messages []adapter.Message) (int, []string) {
	text := (&adapter.Request{Messages: messages}).Text()
	score, reasons := r.rules.Score(text)
	if r.cfg.LengthThreshold > 0 && len(text) > r.cfg.LengthThreshold {
		score += r.cfg.LengthBonus
		reasons = append(reasons, fmt.Sprintf("length %d > %d %+d", len(text), r.cfg.LengthThreshold, r.cfg.LengthBonus))
	}
	return score, reasons
}

// Route picks the target for a call. A score at or above the threshold
// selects the premium tier.
func (r *ModelRouter) Route(messages []adapter.Message) *Decision {
	score, reasons := r.Score(messages)

	tier := TierEconomy
	target := r.cfg.Economy
	if score >= r.cfg.Threshold {
		tier = TierPremium
		target = r.cfg.Premium
	}

	decision := &Decision{
		Tier:      tier,
		Score:     score,
		Threshold: r.cfg.Threshold,
		Reasons:   reasons,
		Adapter:   target.Adapter,
		Model:     r.resolveModel(target.Model),
	}
	r.logger.Debug("model routed",
		zap.String("tier", string(tier)),
		zap.Int("score", score),
		zap.String("adapter", decision.Adapter),
		zap.String("model", decision.Model),
	)
	return decision
}

// Prefer retargets a decision at the caller's preferred provider and keeps
// the tier. A tier model the provider serves is kept; otherwise the provider's
// model list, ordered cheapest first, supplies the first entry for economy and
// the last for premium. Providers without a list keep the tier model.
func (r *ModelRouter) Prefer(d *Decision, provider string) *Decision {
	if d == nil || provider == "" || provider == d.Adapter {
		return d
	}
	out := *d
	out.Adapter = provider
	out.Reasons = append(append([]string(nil), d.Reasons...), "provider preference "+provider)

	if r.aliases != nil {
		models := r.aliases.Providers[provider]
		if len(models) > 0 && r.aliases.GetProviderForModel(d.Model) != provider {
			out.Model = models[0]
			if d.Tier == TierPremium {
				out.Model = models[len(models)-1]
			}
		}
	}
	r.logger.Debug("provider preference applied",
		zap.String("adapter", out.Adapter),
		zap.String("model", out.Model),
	)
	return &out
}

// resolveModel resolves a model alias to its canonical name.
func (r *ModelRouter) resolveModel(model string) string {
	if r.aliases != nil {
		return r.aliases.Resolve(model)
	}
	return model
}

// Routes returns both configured tiers.
func (r *ModelRouter) Routes() []RouteInfo {
	return []RouteInfo{
		{Tier: TierEconomy, Adapter: r.cfg.Economy.Adapter, Model: r.cfg.Economy.Model, ResolvedModel: r.resolveModel(r.cfg.Economy.Model)},
		{Tier: TierPremium, Adapter: r.cfg.Premium.Adapter, Model: r.cfg.Premium.Model, ResolvedModel: r.resolveModel(r.cfg.Premium.Model)},
	}
}

// Rules returns the configured complexity rules.
func (r *ModelRouter) Rules() []config.ComplexityRule {
	return append([]config.ComplexityRule(nil), r.cfg.Rules...)
}

// Threshold returns the premium score threshold.
func (r *ModelRouter) Threshold() int {
	return r.cfg.Threshold
}
