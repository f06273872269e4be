package pipeline

import (
	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/schema"
)

// costTracker accumulates the call reports of one run.
type costTracker struct {
	totalUsage  adapter.Usage
	totalAmount float64
	currency    string
	calls       []adapter.CallReport
}

func newCostTracker() *costTracker {
	return &costTracker{currency: "USD"}
}

// recordReports adds reports and returns the usage and cost they carried.
func (t *costTracker) recordReports(reports []adapter.CallReport) (adapter.Usage, float64) {
	var usage adapter.Usage
	var amount float64
	for _, report := range reports {
		t.calls = append(t.calls, report)
		if report.Error != "" {
			continue
		}
		usage = addUsage(usage, report.Usage)
		amount += report.Cost.Amount
	}
	t.totalUsage = addUsage(t.totalUsage, usage)
	t.totalAmount += amount
	return usage, amount
}

func (t *costTracker) summary() *schema.CostSummary {
	if t == nil {
		return nil
	}
	return &schema.CostSummary{
		Currency:         t.currency,
		TotalAmount:      t.totalAmount,
		PromptTokens:     t.totalUsage.PromptTokens,
		CompletionTokens: t.totalUsage.CompletionTokens,
		CacheReadTokens:  t.totalUsage.CacheReadTokens,
		Calls:            t.calls,
	}
}

func addUsage(a adapter.Usage, b adapter.Usage) adapter.Usage {
	return adapter.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
	}
}
