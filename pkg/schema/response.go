package schema

import "github.com/zen-systems/careflow/pkg/adapter"

// Status describes how a pipeline run terminated.
type Status string

const (
	StatusComplete      Status = "complete"
	StatusClarification Status = "clarification"
	StatusEmergency     Status = "emergency"
	StatusDegraded      Status = "degraded"
	StatusRejected      Status = "rejected"
)

// Error types carried in ErrorEnvelope.Type.
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeProvider   = "provider_error"
	ErrorTypeBatch      = "batch_processing_error"
	ErrorTypeParse      = "parse_error"
	ErrorTypeInternal   = "internal_error"
)

// ErrorEnvelope is the typed error body attached to failed runs.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// StageTrace records what happened during one stage call.
type StageTrace struct {
	Stage            string   `json:"stage"`
	Adapter          string   `json:"adapter,omitempty"`
	Model            string   `json:"model,omitempty"`
	Tier             string   `json:"tier,omitempty"`
	ComplexityScore  int      `json:"complexity_score"`
	RoutingReasons   []string `json:"routing_reasons,omitempty"`
	CachedMessages   []int    `json:"cached_messages,omitempty"`
	Batched          bool     `json:"batched"`
	Repairs          int      `json:"repairs,omitempty"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	CacheReadTokens  int      `json:"cache_read_tokens,omitempty"`
	CostUSD          float64  `json:"cost_usd,omitempty"`
	Confidence       float64  `json:"confidence"`
	DurationMillis   int64    `json:"duration_ms"`
	OutputHash       string   `json:"output_hash,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// CostSummary totals the estimated spend of a run.
type CostSummary struct {
	Currency         string  `json:"currency"`
	TotalAmount      float64 `json:"total_amount"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`

	Calls []adapter.CallReport `json:"calls,omitempty"`
}

// TriageResponse is the single result type of a pipeline run.
type TriageResponse struct {
	TraceID             string            `json:"trace_id"`
	Status              Status            `json:"status"`
	Evidence            *ClinicalEvidence `json:"evidence,omitempty"`
	Risk                *RiskAssessment   `json:"risk,omitempty"`
	Plan                *CarePlan         `json:"plan,omitempty"`
	Response            *AdaptedResponse  `json:"response,omitempty"`
	ClarifyingQuestions []string          `json:"clarifying_questions,omitempty"`
	Confidence          float64           `json:"confidence"`
	Routing             RoutingMeta       `json:"routing"`
	EmergencyFastPath   bool              `json:"emergency_fast_path"`
	SafetyOverrides     []string          `json:"safety_overrides,omitempty"`
	Stages              []StageTrace      `json:"stages,omitempty"`
	Cost                *CostSummary      `json:"cost,omitempty"`
	Error               *ErrorEnvelope    `json:"error,omitempty"`
}

// Failed reports whether the run ended without a usable model-backed result.
func (r *TriageResponse) Failed() bool {
	return r == nil || r.Status == StatusDegraded || r.Status == StatusRejected
}
