package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/careflow/pkg/schema"
)

// BatchItemResult is a request that produced a usable response.
type BatchItemResult struct {
	Index    int                    `json:"index"`
	Response *schema.TriageResponse `json:"response"`
}

// BatchItemError is a request that was rejected or fell back to fail-safe.
// The conservative response is still attached.
type BatchItemError struct {
	Index    int                    `json:"index"`
	TraceID  string                 `json:"trace_id"`
	Error    *schema.ErrorEnvelope  `json:"error"`
	Response *schema.TriageResponse `json:"response"`
}

// BatchOutcome partitions a batch. Every input index appears exactly once.
type BatchOutcome struct {
	Results []BatchItemResult `json:"results"`
	Errors  []BatchItemError  `json:"errors"`
}

// BatchTriage runs reqs through Triage with bounded concurrency. Requests are
// processed in groups no larger than the concurrency limit; each group
// finishes before the next starts.
func (c *Conductor) BatchTriage(ctx context.Context, reqs []*schema.TriageRequest) (*BatchOutcome, error) {
	limit := c.cfg.Pipeline.MaxBatchRequests
	if len(reqs) == 0 || len(reqs) > limit {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("batch must contain between 1 and %d requests, got %d", limit, len(reqs))}}
	}

	workers := c.cfg.Pipeline.MaxConcurrency
	if workers < 1 {
		workers = 1
	}

	responses := make([]*schema.TriageResponse, len(reqs))
	for start := 0; start < len(reqs); start += workers {
		end := start + workers
		if end > len(reqs) {
			end = len(reqs)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				responses[i] = c.Triage(ctx, reqs[i])
				return nil
			})
		}
		// Triage never fails; Wait only joins the group.
		_ = g.Wait()
	}

	out := &BatchOutcome{
		Results: make([]BatchItemResult, 0, len(reqs)),
		Errors:  []BatchItemError{},
	}
	for i, resp := range responses {
		if resp.Failed() {
			out.Errors = append(out.Errors, BatchItemError{Index: i, TraceID: resp.TraceID, Error: resp.Error, Response: resp})
			continue
		}
		out.Results = append(out.Results, BatchItemResult{Index: i, Response: resp})
	}

	c.logger.Info("batch triage finished",
		zap.Int("requests", len(reqs)),
		zap.Int("results", len(out.Results)),
		zap.Int("errors", len(out.Errors)),
	)
	return out, nil
}
