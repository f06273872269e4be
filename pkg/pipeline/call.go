package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/events"
	"github.com/zen-systems/careflow/pkg/evidence"
	"github.com/zen-systems/careflow/pkg/repair"
	"github.com/zen-systems/careflow/pkg/router"
	"github.com/zen-systems/careflow/pkg/scheduler"
	"github.com/zen-systems/careflow/pkg/schema"
)

// callStage renders the stage prompt, routes it, executes it and decodes the
// output into T. Output that fails decoding is re-prompted up to the repair
// budget; the first repair quotes the problems, later ones demand a rewrite.
func callStage[T any](ctx context.Context, c *Conductor, r *run, name StageName, data promptData, prio schema.Priority, confidence func(*T) float64) (*T, error) {
	spec, ok := c.stages[name]
	if !ok {
		return nil, &StageError{Stage: name, Err: errors.New("stage not configured")}
	}

	userPrompt, err := spec.Render(data)
	if err != nil {
		return nil, &StageError{Stage: name, Err: err}
	}

	messages := []adapter.Message{
		{Role: adapter.RoleSystem, Content: spec.System},
		{Role: adapter.RoleUser, Content: userPrompt},
	}
	decision := c.preferProvider(r, c.router.Route(messages))
	tagged, cached := c.cache.Classify(messages)

	capitan.Emit(ctx, events.ModelRouted,
		events.TraceIDKey.Field(r.traceID),
		events.StageKey.Field(string(name)),
		events.AdapterKey.Field(decision.Adapter),
		events.ModelKey.Field(decision.Model),
		events.TierKey.Field(string(decision.Tier)),
		events.ScoreKey.Field(decision.Score),
		events.CachedCountKey.Field(len(cached)),
	)

	trace := schema.StageTrace{
		Stage:           string(name),
		Adapter:         decision.Adapter,
		Model:           decision.Model,
		Tier:            string(decision.Tier),
		ComplexityScore: decision.Score,
		RoutingReasons:  decision.Reasons,
		CachedMessages:  cached,
	}
	record := evidence.StageRecord{
		Name:       string(name),
		Adapter:    decision.Adapter,
		Model:      decision.Model,
		Tier:       string(decision.Tier),
		PromptHash: evidence.Hash(userPrompt),
	}

	start := time.Now()
	req := &adapter.Request{
		Model:       decision.Model,
		Messages:    tagged,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}
	maxRepairs := c.cfg.Pipeline.Repairs()

	var out *T
	var stageErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.exec.Execute(ctx, scheduler.Call{
			Stage:    string(name),
			Adapter:  decision.Adapter,
			Request:  req,
			Priority: prio,
		})
		if resp != nil {
			usage, amount := r.cost.recordReports(resp.Reports)
			trace.PromptTokens += usage.PromptTokens
			trace.CompletionTokens += usage.CompletionTokens
			trace.CacheReadTokens += usage.CacheReadTokens
			trace.CostUSD += amount
			for _, report := range resp.Reports {
				if report.Batched {
					trace.Batched = true
				}
			}
		}
		if err != nil {
			stageErr = &StageError{Stage: name, Err: err}
			break
		}

		content := resp.Content()
		attemptRecord := evidence.AttemptRecord{
			Attempt:    attempt,
			PromptHash: evidence.Hash(req.Text()),
			OutputHash: evidence.Hash(content),
		}

		decoded, derr := schema.Decode[T](string(name), content)
		if derr == nil {
			attemptRecord.Succeeded = true
			record.Attempts = append(record.Attempts, attemptRecord)
			trace.OutputHash = attemptRecord.OutputHash
			out = decoded
			break
		}

		var perr *schema.ParseError
		if !errors.As(derr, &perr) {
			perr = &schema.ParseError{Contract: string(name), Problems: []string{derr.Error()}, Err: derr}
		}
		attemptRecord.Problems = perr.Problems
		record.Attempts = append(record.Attempts, attemptRecord)

		if attempt >= maxRepairs {
			stageErr = &StageError{Stage: name, Err: perr}
			break
		}

		r.logger.Info("stage output rejected, repairing",
			zap.String("stage", string(name)),
			zap.Int("attempt", attempt+1),
			zap.Strings("problems", perr.Problems),
		)
		prompt := repair.GenerateRepairPrompt(content, perr, spec.Shape)
		if attempt > 0 {
			prompt = repair.GenerateEscalationPrompt(content, perr, spec.Shape)
		}
		trace.Repairs++
		repairTurn, _ := c.cache.Classify(append(append([]adapter.Message(nil), messages...),
			adapter.Message{Role: adapter.RoleAssistant, Content: content},
			adapter.Message{Role: adapter.RoleUser, Content: prompt},
		))
		req = &adapter.Request{
			Model:       decision.Model,
			Messages:    repairTurn,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
		}
	}

	duration := time.Since(start)
	trace.DurationMillis = duration.Milliseconds()
	record.DurationMillis = trace.DurationMillis
	record.Batched = trace.Batched

	if stageErr != nil {
		trace.Error = stageErr.Error()
		record.Error = trace.Error
		c.recordStage(r, trace, record)

		r.logger.Warn("stage failed",
			zap.String("stage", string(name)),
			zap.String("model", decision.Model),
			zap.Duration("duration", duration),
			zap.Error(stageErr),
		)
		capitan.Emit(ctx, events.StageFailed,
			events.TraceIDKey.Field(r.traceID),
			events.StageKey.Field(string(name)),
			events.ErrorKey.Field(stageErr.Error()),
			events.RepairsKey.Field(trace.Repairs),
		)
		return nil, stageErr
	}

	conf := confidence(out)
	r.confidences[name] = conf
	trace.Confidence = conf
	record.Confidence = conf
	c.recordStage(r, trace, record)

	r.logger.Info("stage completed",
		zap.String("stage", string(name)),
		zap.String("tier", string(decision.Tier)),
		zap.String("model", decision.Model),
		zap.Bool("batched", trace.Batched),
		zap.Int("prompt_tokens", trace.PromptTokens),
		zap.Int("cache_read_tokens", trace.CacheReadTokens),
		zap.Duration("duration", duration),
	)
	capitan.Emit(ctx, events.StageCompleted,
		events.TraceIDKey.Field(r.traceID),
		events.StageKey.Field(string(name)),
		events.ConfidenceKey.Field(conf),
		events.DurationMsKey.Field(int(trace.DurationMillis)),
		events.RepairsKey.Field(trace.Repairs),
		events.PromptTokensKey.Field(trace.PromptTokens),
	)
	return out, nil
}

// preferProvider applies the request's provider preference when that adapter
// is registered. Unknown preferences leave the routed target alone.
func (c *Conductor) preferProvider(r *run, d *router.Decision) *router.Decision {
	pref := r.req.ProviderPreference
	if pref == "" || pref == d.Adapter {
		return d
	}
	if _, ok := c.adapters[pref]; !ok {
		r.logger.Debug("provider preference not registered", zap.String("provider", pref))
		return d
	}
	return c.router.Prefer(d, pref)
}

func (c *Conductor) recordStage(r *run, trace schema.StageTrace, record evidence.StageRecord) {
	r.resp.Stages = append(r.resp.Stages, trace)
	if r.writer == nil {
		return
	}
	if err := r.writer.WriteStage(record); err != nil {
		r.logger.Warn("write stage evidence", zap.String("stage", record.Name), zap.Error(err))
	}
}
