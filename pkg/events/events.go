// Package events declares the audit signals emitted by the triage core.
// Emission is asynchronous; the core never listens to its own signals.
package events

import "github.com/zoobzio/capitan"

// Signals for audit events.
const (
	SafetyOverrideApplied = capitan.Signal("careflow.safety.override.applied")
	StageCompleted        = capitan.Signal("careflow.stage.completed")
	StageFailed           = capitan.Signal("careflow.stage.failed")
	ModelRouted           = capitan.Signal("careflow.model.routed")
	BatchSubmitted        = capitan.Signal("careflow.batch.submitted")
	BatchCompleted        = capitan.Signal("careflow.batch.completed")
	BatchFailed           = capitan.Signal("careflow.batch.failed")
	PipelineClarification = capitan.Signal("careflow.pipeline.clarification")
	PipelineEmergency     = capitan.Signal("careflow.pipeline.emergency")
	PipelineFailSafe      = capitan.Signal("careflow.pipeline.failsafe")
	TaxonomyMismatch      = capitan.Signal("careflow.taxonomy.mismatch")
)

// Keys for event fields.
var (
	TraceIDKey = capitan.NewStringKey("careflow.trace.id")
	StageKey   = capitan.NewStringKey("careflow.stage")

	// Routing.
	AdapterKey = capitan.NewStringKey("careflow.adapter")
	ModelKey   = capitan.NewStringKey("careflow.model")
	TierKey    = capitan.NewStringKey("careflow.tier")
	ScoreKey   = capitan.NewIntKey("careflow.complexity.score")

	// Safety.
	RuleKey         = capitan.NewStringKey("careflow.safety.rule")
	BandBeforeKey   = capitan.NewStringKey("careflow.band.before")
	BandAfterKey    = capitan.NewStringKey("careflow.band.after")
	ProbabilityKey  = capitan.NewFloat64Key("careflow.probability")
	PriorityKey     = capitan.NewStringKey("careflow.priority")
	CategoryKey     = capitan.NewStringKey("careflow.test.category")
	ConfidenceKey   = capitan.NewFloat64Key("careflow.confidence")
	DurationMsKey   = capitan.NewIntKey("careflow.duration.ms")
	RepairsKey      = capitan.NewIntKey("careflow.repairs")
	ErrorKey        = capitan.NewStringKey("careflow.error")
	ErrorTypeKey    = capitan.NewStringKey("careflow.error.type")
	CachedCountKey  = capitan.NewIntKey("careflow.cache.tagged")
	PromptTokensKey = capitan.NewIntKey("careflow.tokens.prompt")

	// Batch lifecycle.
	BatchIDKey    = capitan.NewStringKey("careflow.batch.id")
	BatchSizeKey  = capitan.NewIntKey("careflow.batch.size")
	BatchStateKey = capitan.NewStringKey("careflow.batch.status")
	SucceededKey  = capitan.NewIntKey("careflow.batch.succeeded")
	ErroredKey    = capitan.NewIntKey("careflow.batch.errored")
	RerunKey      = capitan.NewIntKey("careflow.batch.rerun")
)
