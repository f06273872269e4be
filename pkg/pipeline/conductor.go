// Package pipeline sequences the triage stages.
//
// A run is a linear state machine with two early exits:
//
//	Validate -> Parse -> [Clarify] -> RiskAssess -> [Emergency] -> Plan -> Adapt -> Done
//
// Triage never returns an error. Every failure ends in a conservative,
// well-formed response.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
	"github.com/zen-systems/careflow/pkg/events"
	"github.com/zen-systems/careflow/pkg/evidence"
	"github.com/zen-systems/careflow/pkg/priority"
	"github.com/zen-systems/careflow/pkg/router"
	"github.com/zen-systems/careflow/pkg/safety"
	"github.com/zen-systems/careflow/pkg/scheduler"
	"github.com/zen-systems/careflow/pkg/schema"
)

// Fixed confidences for the early exits and the fail-safe.
const (
	ClarificationConfidence = 0.4
	EmergencyConfidence     = 0.95
	FailSafeConfidence      = 0.25
)

const defaultClarifyingQuestion = "Please describe your symptoms in more detail, including when they started and how severe they are."

// Executor runs one stage call. *scheduler.Scheduler implements it.
type Executor interface {
	Execute(ctx context.Context, call scheduler.Call) (*adapter.Response, error)
}

// StatsProvider is implemented by executors that report batching activity.
type StatsProvider interface {
	Stats() scheduler.Stats
}

// Conductor runs triage requests through the stage sequence.
type Conductor struct {
	cfg         *config.Config
	exec        Executor
	router      *router.ModelRouter
	cache       *router.CacheClassifier
	stages      map[StageName]*StageSpec
	adapters    map[string]adapter.Adapter
	logger      *zap.Logger
	evidenceDir string
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithLogger sets the conductor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conductor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAdapters registers the adapters HealthCheck reports on.
func WithAdapters(adapters map[string]adapter.Adapter) Option {
	return func(c *Conductor) {
		c.adapters = adapters
	}
}

// WithEvidenceDir overrides the configured audit trail directory.
func WithEvidenceDir(dir string) Option {
	return func(c *Conductor) {
		c.evidenceDir = dir
	}
}

// NewConductor builds a conductor. Prompt templates are parsed and rendered
// once here, so template errors surface at startup.
func NewConductor(cfg *config.Config, exec Executor, opts ...Option) (*Conductor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	stages, err := buildStageSpecs(cfg.Pipeline.Prompts)
	if err != nil {
		return nil, err
	}

	c := &Conductor{
		cfg:         cfg,
		exec:        exec,
		stages:      stages,
		logger:      zap.NewNop(),
		evidenceDir: cfg.Pipeline.EvidenceDir,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.router = router.NewModelRouter(&cfg.Routing, router.WithAliases(cfg.Aliases), router.WithLogger(c.logger))
	c.cache = router.NewCacheClassifier(cfg.Cache)
	return c, nil
}

// Router returns the model router used for stage calls.
func (c *Conductor) Router() *router.ModelRouter {
	return c.router
}

type traceIDKey struct{}

// WithTraceID attaches a caller-chosen trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFrom returns the trace id stored in ctx, if any.
func TraceIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

type state int

const (
	stateValidate state = iota
	stateParse
	stateRiskAssess
	stateEmergency
	statePlan
	stateAdapt
	stateDone
)

func (s state) String() string {
	switch s {
	case stateValidate:
		return "validate"
	case stateParse:
		return "parse"
	case stateRiskAssess:
		return "risk_assess"
	case stateEmergency:
		return "emergency"
	case statePlan:
		return "plan"
	case stateAdapt:
		return "adapt"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// run is the mutable state of one pipeline run.
type run struct {
	traceID     string
	req         *schema.TriageRequest
	resp        *schema.TriageResponse
	cost        *costTracker
	writer      *evidence.Writer
	start       time.Time
	confidences map[StageName]float64
	logger      *zap.Logger
}

// Triage runs one request to completion.
func (c *Conductor) Triage(ctx context.Context, req *schema.TriageRequest) (resp *schema.TriageResponse) {
	if ctx == nil {
		ctx = context.Background()
	}
	traceID := TraceIDFrom(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	r := &run{
		traceID:     traceID,
		req:         req,
		resp:        &schema.TriageResponse{TraceID: traceID},
		cost:        newCostTracker(),
		start:       time.Now(),
		confidences: make(map[StageName]float64, len(Stages)),
		logger:      c.logger.With(zap.String("trace_id", traceID)),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("triage panicked", zap.Any("panic", rec))
			resp = c.failSafe(ctx, r, fmt.Errorf("panic: %v", rec), debug.Stack())
		}
		c.finish(r, resp)
	}()

	current := stateValidate
	for current != stateDone {
		next, err := c.step(ctx, r, current)
		if err != nil {
			r.logger.Error("triage failed", zap.Stringer("state", current), zap.Error(err))
			var stack []byte
			var serr *StageError
			if !errors.As(err, &serr) {
				stack = debug.Stack()
			}
			return c.failSafe(ctx, r, err, stack)
		}
		current = next
	}
	return r.resp
}

func (c *Conductor) step(ctx context.Context, r *run, current state) (state, error) {
	switch current {
	case stateValidate:
		return c.validate(r)
	case stateParse:
		return c.parse(ctx, r)
	case stateRiskAssess:
		return c.assessRisk(ctx, r)
	case stateEmergency:
		return c.emergency(ctx, r)
	case statePlan:
		return c.plan(ctx, r)
	case stateAdapt:
		return c.adapt(ctx, r)
	default:
		return stateDone, fmt.Errorf("unknown state %s", current)
	}
}

func (c *Conductor) validate(r *run) (state, error) {
	if err := validateRequest(r.req, c.cfg.Pipeline.MinSymptomLength); err != nil {
		r.logger.Info("request rejected", zap.Error(err))
		r.resp.Status = schema.StatusRejected
		r.resp.Confidence = safety.MinConfidence
		r.resp.Error = &schema.ErrorEnvelope{
			Type:    schema.ErrorTypeValidation,
			Message: err.Error(),
			Code:    "invalid_request",
		}
		return stateDone, nil
	}

	r.logger.Info("triage started",
		zap.String("mode", string(r.req.Mode)),
		zap.String("input_hash", evidence.Hash(r.req.Symptoms)),
	)
	if c.evidenceDir != "" {
		writer, err := evidence.NewWriter(c.evidenceDir, r.traceID)
		if err != nil {
			r.logger.Warn("evidence writer unavailable", zap.Error(err))
		} else {
			r.writer = writer
		}
	}
	return stateParse, nil
}

func (c *Conductor) parse(ctx context.Context, r *run) (state, error) {
	data := c.promptData(r)
	ev, err := callStage(ctx, c, r, StageParse, data, schema.PriorityUrgent, func(e *schema.ClinicalEvidence) float64 { return e.Confidence })
	if err != nil {
		return stateDone, err
	}
	r.resp.Evidence = ev

	if ev.NeedsClarification(c.cfg.Pipeline.ClarifyThreshold) {
		questions := ev.ClarifyingQuestions
		if len(questions) == 0 {
			questions = []string{defaultClarifyingQuestion}
		}
		r.resp.Status = schema.StatusClarification
		r.resp.ClarifyingQuestions = questions
		r.resp.Confidence = ClarificationConfidence

		r.logger.Info("clarification needed",
			zap.Float64("parse_confidence", ev.Confidence),
			zap.Int("questions", len(questions)),
		)
		capitan.Emit(ctx, events.PipelineClarification,
			events.TraceIDKey.Field(r.traceID),
			events.ConfidenceKey.Field(ev.Confidence),
		)
		return stateDone, nil
	}
	return stateRiskAssess, nil
}

func (c *Conductor) assessRisk(ctx context.Context, r *run) (state, error) {
	data := c.promptData(r)
	raw, err := callStage(ctx, c, r, StageRisk, data, schema.PriorityUrgent, func(a *schema.RiskAssessment) float64 { return a.Confidence })
	if err != nil {
		return stateDone, err
	}

	risk, overrides := safety.Apply(r.resp.Evidence, raw)
	for _, o := range overrides {
		r.logger.Warn("safety override applied",
			zap.String("rule", o.Rule),
			zap.String("from", string(o.From)),
			zap.String("to", string(o.To)),
			zap.Float64("probability", o.Probability),
		)
		capitan.Emit(ctx, events.SafetyOverrideApplied,
			events.TraceIDKey.Field(r.traceID),
			events.RuleKey.Field(o.Rule),
			events.BandBeforeKey.Field(string(o.From)),
			events.BandAfterKey.Field(string(o.To)),
			events.ProbabilityKey.Field(o.Probability),
		)
		r.resp.SafetyOverrides = append(r.resp.SafetyOverrides, o.Reason)
	}
	r.resp.Risk = risk
	c.setRouting(ctx, r, risk.Band)

	if risk.Band == schema.BandImmediate {
		return stateEmergency, nil
	}
	return statePlan, nil
}

func (c *Conductor) emergency(ctx context.Context, r *run) (state, error) {
	data := c.promptData(r)
	plan, err := callStage(ctx, c, r, StageEmergency, data, schema.PriorityImmediate, func(p *schema.CarePlan) float64 { return p.Confidence })
	if err != nil {
		return stateDone, err
	}

	r.resp.Plan = plan
	r.resp.Response = emergencyResponse(plan, r.req.Mode)
	r.resp.Status = schema.StatusEmergency
	r.resp.EmergencyFastPath = true
	r.resp.Confidence = EmergencyConfidence

	r.logger.Warn("emergency fast path", zap.String("priority", string(r.resp.Routing.Priority)))
	capitan.Emit(ctx, events.PipelineEmergency,
		events.TraceIDKey.Field(r.traceID),
		events.PriorityKey.Field(string(r.resp.Routing.Priority)),
	)
	return stateDone, nil
}

func (c *Conductor) plan(ctx context.Context, r *run) (state, error) {
	data := c.promptData(r)
	plan, err := callStage(ctx, c, r, StagePlan, data, r.resp.Routing.Priority, func(p *schema.CarePlan) float64 { return p.Confidence })
	if err != nil {
		return stateDone, err
	}
	r.resp.Plan = plan
	return stateAdapt, nil
}

func (c *Conductor) adapt(ctx context.Context, r *run) (state, error) {
	data := c.promptData(r)
	adapted, err := callStage(ctx, c, r, StageAdapt, data, r.resp.Routing.Priority, func(a *schema.AdaptedResponse) float64 { return a.Confidence })
	if err != nil {
		return stateDone, err
	}
	r.resp.Response = adapted
	r.resp.Status = schema.StatusComplete
	r.resp.Confidence = safety.Aggregate([]float64{
		r.confidences[StageParse],
		r.confidences[StageRisk],
		r.confidences[StagePlan],
		r.confidences[StageAdapt],
	}, c.cfg.Pipeline.ConfidenceWeights)
	return stateDone, nil
}

// setRouting attaches priority metadata for band and runs the test-category
// consistency check outside production.
func (c *Conductor) setRouting(ctx context.Context, r *run, band schema.RiskBand) {
	r.resp.Routing = priority.Meta(band, priority.ContextFor(r.req), r.req.TestCategory)
	if c.cfg.IsProduction() {
		return
	}
	if !priority.CheckConsistency(r.logger, r.req.TestCategory, band) {
		capitan.Emit(ctx, events.TaxonomyMismatch,
			events.TraceIDKey.Field(r.traceID),
			events.CategoryKey.Field(r.req.TestCategory),
			events.BandAfterKey.Field(string(band)),
		)
	}
}

func (c *Conductor) promptData(r *run) promptData {
	data := promptData{
		Mode:     string(r.req.Mode),
		Symptoms: r.req.Symptoms,
	}
	if r.req.Context != nil {
		data.Context = mustJSON(r.req.Context)
	}
	if r.resp.Evidence != nil {
		data.Evidence = mustJSON(r.resp.Evidence)
	}
	if r.resp.Risk != nil {
		data.Risk = mustJSON(r.resp.Risk)
	}
	if r.resp.Plan != nil {
		data.Plan = mustJSON(r.resp.Plan)
	}
	return data
}

// emergencyResponse renders the emergency plan without a further model call.
func emergencyResponse(plan *schema.CarePlan, mode schema.Audience) *schema.AdaptedResponse {
	explanation := "Your symptoms need emergency care now."
	if mode == schema.AudienceClinician {
		explanation = "Immediate-risk presentation; emergency pathway activated."
	}
	for _, line := range plan.Rationale {
		explanation += " " + line
	}

	next := []string{"Call emergency services or go to the nearest emergency department now."}
	if plan.Timeframe != "" {
		next = append(next, "Timeframe: "+plan.Timeframe)
	}
	return &schema.AdaptedResponse{
		Disposition:  plan.Disposition,
		Explanation:  explanation,
		WhatToExpect: plan.WhatToExpect,
		SafetyNet:    append([]string(nil), plan.SafetyNetting...),
		NextSteps:    next,
		Confidence:   EmergencyConfidence,
	}
}

// failSafe converts err into the most conservative response available. An
// immediate band already assigned is kept; anything else becomes urgent.
func (c *Conductor) failSafe(ctx context.Context, r *run, err error, stack []byte) *schema.TriageResponse {
	errType, code := classifyError(err)

	band := schema.BandUrgent
	if r.resp.Risk != nil && r.resp.Risk.Band == schema.BandImmediate {
		band = schema.BandImmediate
	}

	explanation := []string{
		"A system error interrupted the automated assessment.",
		"Manual clinical evaluation is recommended.",
	}
	risk := &schema.RiskAssessment{
		Band:        band,
		Probability: 0.5,
		Explanation: explanation,
		Confidence:  FailSafeConfidence,
	}
	if r.resp.Risk != nil {
		risk = r.resp.Risk.Clone()
		risk.Band = band
		risk.Explanation = append(explanation, risk.Explanation...)
	}

	r.resp.Status = schema.StatusDegraded
	r.resp.Risk = risk
	r.resp.Response = failSafeResponse(band)
	r.resp.Confidence = FailSafeConfidence
	r.resp.EmergencyFastPath = band == schema.BandImmediate
	r.resp.Error = &schema.ErrorEnvelope{
		Type:    errType,
		Message: err.Error(),
		Code:    code,
	}
	if !c.cfg.IsProduction() && len(stack) > 0 {
		r.resp.Error.Stack = string(stack)
	}
	if r.req != nil {
		r.resp.Routing = priority.Meta(band, priority.ContextFor(r.req), r.req.TestCategory)
	} else {
		r.resp.Routing = priority.Meta(band, priority.Context{}, "")
	}

	capitan.Emit(ctx, events.PipelineFailSafe,
		events.TraceIDKey.Field(r.traceID),
		events.ErrorTypeKey.Field(errType),
		events.ErrorKey.Field(err.Error()),
	)
	return r.resp
}

func failSafeResponse(band schema.RiskBand) *schema.AdaptedResponse {
	if band == schema.BandImmediate {
		return &schema.AdaptedResponse{
			Disposition: "Emergency care now",
			Explanation: "Your symptoms may be serious. We could not complete the automated assessment.",
			SafetyNet:   []string{"Call emergency services or go to the nearest emergency department now."},
			NextSteps:   []string{"Do not wait for symptoms to improve."},
			Confidence:  FailSafeConfidence,
		}
	}
	return &schema.AdaptedResponse{
		Disposition: "Clinical evaluation today",
		Explanation: "We could not complete the automated assessment. A clinician should review your symptoms today.",
		SafetyNet: []string{
			"If symptoms get worse, or you develop chest pain, difficulty breathing or confusion, call emergency services.",
		},
		NextSteps:  []string{"Contact your doctor or an urgent care service today."},
		Confidence: FailSafeConfidence,
	}
}

// finish attaches stage traces and cost, then writes the run record.
func (c *Conductor) finish(r *run, resp *schema.TriageResponse) {
	if resp == nil {
		return
	}
	resp.Cost = r.cost.summary()
	duration := time.Since(r.start)

	fields := []zap.Field{
		zap.String("status", string(resp.Status)),
		zap.Float64("confidence", resp.Confidence),
		zap.Float64("cost_usd", resp.Cost.TotalAmount),
		zap.Duration("duration", duration),
	}
	if resp.Risk != nil {
		fields = append(fields, zap.String("band", string(resp.Risk.Band)))
	}
	r.logger.Info("triage finished", fields...)

	if r.writer == nil {
		return
	}
	record := evidence.RunRecord{
		TraceID:           r.traceID,
		Timestamp:         r.start.UTC(),
		InputHash:         evidence.Hash(r.req.Symptoms),
		Mode:              string(r.req.Mode),
		Status:            string(resp.Status),
		Priority:          string(resp.Routing.Priority),
		Confidence:        resp.Confidence,
		EmergencyFastPath: resp.EmergencyFastPath,
		SafetyOverrides:   resp.SafetyOverrides,
		CostUSD:           resp.Cost.TotalAmount,
		DurationMillis:    duration.Milliseconds(),
	}
	if resp.Risk != nil {
		record.Band = string(resp.Risk.Band)
	}
	if resp.Error != nil {
		record.ErrorType = resp.Error.Type
	}
	if err := r.writer.WriteRun(record); err != nil {
		r.logger.Warn("write run evidence", zap.Error(err))
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
