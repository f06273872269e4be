package scheduler

import (
	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
)

// Cache writes bill above the prompt rate and cache reads well below it.
const (
	cacheWriteMultiplier = 1.25
	cacheReadMultiplier  = 0.1
)

func normalizeUsage(u *adapter.Usage) adapter.Usage {
	if u == nil {
		return adapter.Usage{}
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// EstimateCost prices usage against the configured table. Batched calls get
// the model's batch discount when one is configured.
func EstimateCost(pricing config.PricingConfig, adapterName, model string, usage adapter.Usage, batched bool) (adapter.Cost, bool) {
	entry, ok := pricingFor(pricing, adapterName, model)
	if !ok {
		return adapter.Cost{Currency: "USD"}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	promptCost += (float64(usage.CacheWriteTokens) / 1000.0) * entry.PromptPer1K * cacheWriteMultiplier
	promptCost += (float64(usage.CacheReadTokens) / 1000.0) * entry.PromptPer1K * cacheReadMultiplier
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K

	amount := promptCost + completionCost
	pricingModel := "per_1k_tokens"
	if batched && entry.BatchDiscount > 0 {
		amount *= entry.BatchDiscount
		pricingModel = "per_1k_tokens_batch"
	}
	return adapter.Cost{
		Currency:     "USD",
		Amount:       amount,
		IsEstimate:   true,
		PricingModel: pricingModel,
	}, true
}

func pricingFor(pricing config.PricingConfig, adapterName, model string) (config.ModelPricing, bool) {
	if pricing == nil {
		return config.ModelPricing{}, false
	}
	if adapterPricing, ok := pricing[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return config.ModelPricing{}, false
}
