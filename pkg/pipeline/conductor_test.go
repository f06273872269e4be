package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
	"github.com/zen-systems/careflow/pkg/scheduler"
	"github.com/zen-systems/careflow/pkg/schema"
)

// Substrings unique to each stage's system prompt.
const (
	matchParse     = "clinical intake assistant"
	matchRisk      = "clinical risk assessor"
	matchPlan      = "care-pathway planner"
	matchAdapt     = "clinical communicator"
	matchEmergency = "emergency triage coordinator"
)

const (
	parseHeadache   = `{"presenting_complaint":"headache","onset":"2 hours ago","severity":3,"confidence":0.9}`
	parseChestPain  = `{"presenting_complaint":"chest pain","onset":"20 minutes ago","severity":9,"associated_symptoms":["shortness of breath"],"red_flags":["crushing chest pain"],"confidence":0.9}`
	parseVague      = `{"presenting_complaint":"feeling off","confidence":0.4}`
	riskRoutine     = `{"band":"routine","probability":0.2,"explanation":["mild headache without red flags"],"confidence":0.8}`
	riskUrgent      = `{"band":"urgent","probability":0.6,"explanation":["chest pain needs review"],"confidence":0.7}`
	planSelfCare    = `{"disposition":"Self-care at home","rationale":["no red flags"],"safety_netting":["seek care if the headache worsens"],"timeframe":"48 hours","confidence":0.8}`
	adaptSelfCare   = `{"disposition":"Self-care at home","explanation":"Rest and drink fluids.","safety_net":["seek care if the headache worsens"],"confidence":0.85}`
	planEmergency   = `{"disposition":"Emergency department now","rationale":["possible acute coronary syndrome"],"safety_netting":["do not drive yourself"],"timeframe":"immediately","confidence":0.9}`
	headacheText    = "mild headache for 2 hours"
	chestPainText   = "severe crushing chest pain for 20 minutes with shortness of breath"
	repairMatchText = "Your previous output could not be accepted"
)

func newTestConductor(t *testing.T, mock *adapter.MockAdapter, mutate ...func(*config.Config)) *Conductor {
	t.Helper()
	return newConductorWith(t, map[string]adapter.Adapter{"mock": mock}, nil, mutate...)
}

// newConductorWith builds a conductor over adapters, with batching through
// batch when it is non-nil.
func newConductorWith(t *testing.T, adapters map[string]adapter.Adapter, batch adapter.BatchClient, mutate ...func(*config.Config)) *Conductor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Routing.Economy = config.RouteTarget{Adapter: "mock", Model: "mock-economy"}
	cfg.Routing.Premium = config.RouteTarget{Adapter: "mock", Model: "mock-premium"}
	cfg.Routing.Retry = config.RetryConfig{MaxRetries: 0, BaseBackoffMs: 1, MaxBackoffMs: 1}
	for _, fn := range mutate {
		fn(cfg)
	}

	direct := scheduler.NewDirectExecutor(adapters, &cfg.Routing)
	var opts []scheduler.Option
	if batch != nil {
		opts = append(opts, scheduler.WithBatchClient(batch))
	}
	sched, err := scheduler.New(direct, scheduler.SettingsFromConfig(cfg.Batch), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close(context.Background()) })

	c, err := NewConductor(cfg, sched, WithAdapters(adapters))
	require.NoError(t, err)
	return c
}

func headacheMock() *adapter.MockAdapter {
	return adapter.NewMockAdapter().
		On(matchParse, parseHeadache).
		On(matchRisk, riskRoutine).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
}

func request(symptoms string) *schema.TriageRequest {
	return &schema.TriageRequest{Mode: schema.AudiencePatient, Symptoms: symptoms, PatientID: "p-1"}
}

func TestTriageRoutineHeadache(t *testing.T) {
	mock := headacheMock()
	c := newTestConductor(t, mock)

	resp := c.Triage(WithTraceID(context.Background(), "trace-1"), request(headacheText))

	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, schema.BandRoutine, resp.Risk.Band)
	assert.Equal(t, schema.PriorityRoutine, resp.Routing.Priority)
	assert.False(t, resp.EmergencyFastPath)
	assert.Empty(t, resp.SafetyOverrides)
	assert.GreaterOrEqual(t, resp.Confidence, 0.1)
	assert.LessOrEqual(t, resp.Confidence, 0.95)
	assert.Equal(t, "Self-care at home", resp.Response.Disposition)

	require.Len(t, resp.Stages, 4)
	for i, name := range []string{"parse", "risk", "plan", "adapt"} {
		assert.Equal(t, name, resp.Stages[i].Stage)
	}
	assert.Len(t, mock.Calls(), 4)
}

func TestTriageStagePromptsCarryCacheHints(t *testing.T) {
	mock := headacheMock()
	c := newTestConductor(t, mock)
	c.Triage(context.Background(), request(headacheText))

	calls := mock.Calls()
	require.NotEmpty(t, calls)
	for _, req := range calls {
		require.GreaterOrEqual(t, len(req.Messages), 2)
		assert.True(t, req.Messages[0].Cache, "system prompt should be cache-eligible")
		assert.Equal(t, adapter.RoleSystem, req.Messages[0].Role)
	}
	assert.InDelta(t, 0.1, calls[0].Temperature, 1e-9)
	assert.InDelta(t, 0.5, calls[3].Temperature, 1e-9)
}

func TestTriageCrushingChestPainTakesEmergencyPath(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(matchParse, parseChestPain).
		On(matchRisk, riskUrgent).
		On(matchEmergency, planEmergency).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request(chestPainText))

	require.Equal(t, schema.StatusEmergency, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, schema.BandImmediate, resp.Risk.Band)
	assert.GreaterOrEqual(t, resp.Risk.Probability, 0.95)
	assert.True(t, resp.Risk.Overridden)
	assert.Contains(t, resp.Risk.Explanation[0], "Safety override")
	assert.Equal(t, schema.PriorityImmediate, resp.Routing.Priority)
	assert.True(t, resp.EmergencyFastPath)
	assert.InDelta(t, 0.95, resp.Confidence, 1e-9)
	assert.NotEmpty(t, resp.SafetyOverrides)
	assert.Equal(t, "Emergency department now", resp.Response.Disposition)

	assert.Equal(t, 1, mock.CallsMatching(matchEmergency))
	assert.Equal(t, 0, mock.CallsMatching(matchPlan))
	assert.Equal(t, 0, mock.CallsMatching(matchAdapt))

	emergency := mock.Calls()[2]
	assert.InDelta(t, 0.0, emergency.Temperature, 1e-9)
}

func TestTriageLowParseConfidenceAsksForClarification(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(matchParse, parseVague).
		On(matchRisk, riskRoutine).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request("not feeling great today"))

	require.Equal(t, schema.StatusClarification, resp.Status)
	assert.Equal(t, 0.4, resp.Confidence)
	assert.NotEmpty(t, resp.ClarifyingQuestions)
	require.NotNil(t, resp.Evidence)
	assert.Nil(t, resp.Risk)

	assert.Equal(t, 1, mock.CallsMatching(matchParse))
	assert.Equal(t, 0, mock.CallsMatching(matchRisk))
	assert.Equal(t, 0, mock.CallsMatching(matchPlan))
	assert.Equal(t, 0, mock.CallsMatching(matchAdapt))
}

func TestTriageClarifyingQuestionsExitEvenWhenConfident(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(matchParse, `{"presenting_complaint":"rash","clarifying_questions":["Where is the rash?"],"confidence":0.9}`)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request("I have a rash"))

	require.Equal(t, schema.StatusClarification, resp.Status)
	assert.Equal(t, []string{"Where is the rash?"}, resp.ClarifyingQuestions)
	assert.Len(t, mock.Calls(), 1)
}

func TestTriageRejectsInvalidRequestBeforeInference(t *testing.T) {
	tests := []struct {
		name string
		req  *schema.TriageRequest
	}{
		{name: "nil", req: nil},
		{name: "empty symptoms", req: &schema.TriageRequest{Mode: schema.AudiencePatient, PatientID: "p-1"}},
		{name: "too short", req: &schema.TriageRequest{Mode: schema.AudiencePatient, Symptoms: "ow", PatientID: "p-1"}},
		{name: "missing patient", req: &schema.TriageRequest{Mode: schema.AudiencePatient, Symptoms: headacheText}},
		{name: "blank patient", req: &schema.TriageRequest{Mode: schema.AudiencePatient, Symptoms: headacheText, PatientID: "  "}},
		{name: "bad mode", req: &schema.TriageRequest{Mode: "doctor", Symptoms: headacheText, PatientID: "p-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := headacheMock()
			c := newTestConductor(t, mock)

			resp := c.Triage(context.Background(), tt.req)

			require.Equal(t, schema.StatusRejected, resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, schema.ErrorTypeValidation, resp.Error.Type)
			assert.NotEmpty(t, resp.TraceID)
			assert.Empty(t, mock.Calls())
		})
	}
}

func TestTriageRepairsMalformedOutput(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(repairMatchText, parseHeadache).
		On(matchParse, "Sure! The patient has a headache.").
		On(matchRisk, riskRoutine).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request(headacheText))

	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, 1, resp.Stages[0].Repairs)
	assert.Equal(t, 1, mock.CallsMatching(repairMatchText))
}

func TestTriageFailSafeAfterRepairBudget(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(matchParse, "not json at all")
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request(headacheText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrorTypeParse, resp.Error.Type)
	assert.Equal(t, schema.BandUrgent, resp.Risk.Band)
	assert.Equal(t, schema.PriorityUrgent, resp.Routing.Priority)
	assert.Equal(t, FailSafeConfidence, resp.Confidence)
	assert.Contains(t, strings.Join(resp.Risk.Explanation, " "), "Manual clinical evaluation")
	assert.NotEmpty(t, resp.Response.SafetyNet)
	assert.Equal(t, 2, mock.CallsMatching(matchParse))
}

func TestTriageFailSafeOnProviderError(t *testing.T) {
	mock := adapter.NewMockAdapter().
		FailOn(matchRisk, errors.New("connection refused")).
		On(matchParse, parseHeadache).
		On(matchPlan, planSelfCare)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request(headacheText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	assert.Equal(t, schema.ErrorTypeProvider, resp.Error.Type)
	assert.Equal(t, schema.BandUrgent, resp.Risk.Band)
	assert.True(t, resp.Failed())
	assert.Equal(t, 0, mock.CallsMatching(matchPlan))
	assert.Empty(t, resp.Error.Stack)
}

func TestTriageFailSafeKeepsImmediateBand(t *testing.T) {
	mock := adapter.NewMockAdapter().
		FailOn(matchEmergency, &adapter.AdapterError{Provider: "mock", Status: 400, Err: errors.New("bad request")}).
		On(matchParse, parseChestPain).
		On(matchRisk, riskUrgent)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request(chestPainText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	assert.Equal(t, schema.BandImmediate, resp.Risk.Band)
	assert.Equal(t, schema.PriorityImmediate, resp.Routing.Priority)
	assert.Equal(t, "provider_status_400", resp.Error.Code)
	assert.Contains(t, resp.Response.SafetyNet[0], "emergency")
}

func TestTriageFailSafeOnCanceledContext(t *testing.T) {
	c := newTestConductor(t, headacheMock(), func(cfg *config.Config) {
		cfg.Routing.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := c.Triage(ctx, request(headacheText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	assert.Equal(t, schema.ErrorTypeProvider, resp.Error.Type)
}

func TestTriagePriorityFollowsOperationalContext(t *testing.T) {
	c := newTestConductor(t, headacheMock())

	req := request(headacheText)
	req.IsAfterHours = true
	resp := c.Triage(context.Background(), req)
	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, schema.PriorityBatch, resp.Routing.Priority)

	urgent := adapter.NewMockAdapter().
		On(matchParse, parseHeadache).
		On(matchRisk, `{"band":"urgent","probability":0.5,"explanation":["persistent"],"confidence":0.7}`).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c = newTestConductor(t, urgent)
	req = request(headacheText)
	req.SystemLoad = schema.LoadHigh
	req.TestCategory = "mild-illness"
	resp = c.Triage(context.Background(), req)
	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, schema.PriorityImmediate, resp.Routing.Priority)
	assert.Equal(t, "mild-illness", resp.Routing.TestCategory)
}

func TestTriageBatchesPlanAndAdaptAfterHours(t *testing.T) {
	mock := headacheMock()
	batch := adapter.NewMockBatchClient(mock)
	c := newConductorWith(t, map[string]adapter.Adapter{"mock": mock}, batch, func(cfg *config.Config) {
		cfg.Batch.Enabled = true
		cfg.Batch.BatchSize = 1
		cfg.Batch.BatchingThreshold = 1
	})

	req := request(headacheText)
	req.IsAfterHours = true
	resp := c.Triage(context.Background(), req)

	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, schema.PriorityBatch, resp.Routing.Priority)
	require.Len(t, resp.Stages, 4)
	assert.False(t, resp.Stages[0].Batched, "parse runs direct")
	assert.False(t, resp.Stages[1].Batched, "risk runs direct")
	assert.True(t, resp.Stages[2].Batched, "plan is batched")
	assert.True(t, resp.Stages[3].Batched, "adapt is batched")

	batches := batch.Batches()
	require.Len(t, batches, 2)
	assert.Contains(t, batches[0][0].Request.Text(), matchPlan)
	assert.Contains(t, batches[1][0].Request.Text(), matchAdapt)
	assert.Len(t, mock.Calls(), 4)
}

func TestTriageHonoursRegisteredProviderPreference(t *testing.T) {
	primary := headacheMock()
	alt := headacheMock()
	c := newConductorWith(t, map[string]adapter.Adapter{"mock": primary, "alt": alt}, nil)

	req := request(headacheText)
	req.ProviderPreference = "alt"
	resp := c.Triage(context.Background(), req)

	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Empty(t, primary.Calls())
	assert.Len(t, alt.Calls(), 4)
	for _, stage := range resp.Stages {
		assert.Equal(t, "alt", stage.Adapter)
		assert.Contains(t, stage.RoutingReasons, "provider preference alt")
	}

	unknown := headacheMock()
	c = newTestConductor(t, unknown)
	req = request(headacheText)
	req.ProviderPreference = "nowhere"
	resp = c.Triage(context.Background(), req)
	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Len(t, unknown.Calls(), 4)
	assert.Equal(t, "mock", resp.Stages[0].Adapter)
}

func TestTriageRepairTurnsAreCacheClassified(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(repairMatchText, parseHeadache).
		On(matchParse, "Sure! The patient has a headache.").
		On(matchRisk, riskRoutine).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c := newTestConductor(t, mock, func(cfg *config.Config) {
		cfg.Cache.Markers = []string{repairMatchText}
	})

	resp := c.Triage(context.Background(), request(headacheText))
	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)

	calls := mock.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	repair := calls[1]
	require.Len(t, repair.Messages, 4)
	assert.Equal(t, adapter.RoleAssistant, repair.Messages[2].Role)
	assert.Contains(t, repair.Messages[3].Content, repairMatchText)
	assert.True(t, repair.Messages[0].Cache, "system prompt stays cache-eligible on repair")
	assert.True(t, repair.Messages[3].Cache, "repair prompt carries the cache marker")
}

func TestTriageHighSeverityUpgradesRoutine(t *testing.T) {
	mock := adapter.NewMockAdapter().
		On(matchParse, `{"presenting_complaint":"abdominal pain","severity":9,"confidence":0.85}`).
		On(matchRisk, riskRoutine).
		On(matchPlan, planSelfCare).
		On(matchAdapt, adaptSelfCare)
	c := newTestConductor(t, mock)

	resp := c.Triage(context.Background(), request("severe abdominal pain since this morning"))

	require.Equal(t, schema.StatusComplete, resp.Status, "error: %+v", resp.Error)
	assert.Equal(t, schema.BandUrgent, resp.Risk.Band)
	assert.GreaterOrEqual(t, resp.Risk.Probability, 0.7)
	assert.Equal(t, schema.PriorityUrgent, resp.Routing.Priority)
	assert.Len(t, resp.SafetyOverrides, 1)
}

func TestTriageCostReport(t *testing.T) {
	mock := headacheMock()
	mock.Usage = &adapter.Usage{PromptTokens: 1000, CompletionTokens: 100}
	c := newTestConductor(t, mock, func(cfg *config.Config) {
		cfg.Routing.Pricing = config.PricingConfig{
			"mock": {"default": {PromptPer1K: 0.001, CompletionPer1K: 0.005}},
		}
	})

	resp := c.Triage(context.Background(), request(headacheText))

	require.NotNil(t, resp.Cost)
	assert.Equal(t, "USD", resp.Cost.Currency)
	assert.Equal(t, 4000, resp.Cost.PromptTokens)
	assert.Equal(t, 400, resp.Cost.CompletionTokens)
	assert.Len(t, resp.Cost.Calls, 4)
	assert.InDelta(t, 4*(0.001+0.0005), resp.Cost.TotalAmount, 1e-9)
	assert.Equal(t, "parse", resp.Cost.Calls[0].Stage)
	assert.Equal(t, 1000, resp.Stages[0].PromptTokens)
}

func TestTriageWritesEvidence(t *testing.T) {
	dir := t.TempDir()
	mock := headacheMock()
	cfg := func(c *config.Config) { c.Pipeline.EvidenceDir = dir }
	c := newTestConductor(t, mock, cfg)

	resp := c.Triage(WithTraceID(context.Background(), "trace-ev"), request(headacheText))
	require.Equal(t, schema.StatusComplete, resp.Status)

	runData, err := os.ReadFile(filepath.Join(dir, "trace-ev", "run.json"))
	require.NoError(t, err)
	assert.Contains(t, string(runData), `"status": "complete"`)
	assert.NotContains(t, string(runData), headacheText)

	for _, stage := range []string{"parse", "risk", "plan", "adapt"} {
		_, err := os.Stat(filepath.Join(dir, "trace-ev", "stages", stage+".json"))
		assert.NoError(t, err, stage)
	}
}

func TestNewConductorRejectsBadPrompts(t *testing.T) {
	exec := scheduler.NewDirectExecutor(nil, nil)
	sched, err := scheduler.New(exec, scheduler.SettingsFromConfig(config.DefaultConfig().Batch))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Pipeline.Prompts = map[string]string{"plan": "{{.Plan"}
	_, err = NewConductor(cfg, sched)
	assert.Error(t, err)

	cfg.Pipeline.Prompts = map[string]string{"plan": "{{.Unknown}}"}
	_, err = NewConductor(cfg, sched)
	assert.Error(t, err)

	cfg.Pipeline.Prompts = map[string]string{"triage": "{{.Symptoms}}"}
	_, err = NewConductor(cfg, sched)
	assert.Error(t, err)

	cfg.Pipeline.Prompts = map[string]string{"parse": "Describe: {{.Symptoms}}"}
	_, err = NewConductor(cfg, sched)
	assert.NoError(t, err)
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, scheduler.Call) (*adapter.Response, error) {
	panic("executor exploded")
}

func TestTriageRecoversPanics(t *testing.T) {
	c, err := NewConductor(config.DefaultConfig(), panicExecutor{})
	require.NoError(t, err)

	resp := c.Triage(context.Background(), request(headacheText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	assert.Equal(t, schema.ErrorTypeInternal, resp.Error.Type)
	assert.NotEmpty(t, resp.Error.Stack)
	assert.Equal(t, schema.BandUrgent, resp.Risk.Band)
}

func TestFailSafeHidesStackInProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environment = "production"
	c, err := NewConductor(cfg, panicExecutor{})
	require.NoError(t, err)

	resp := c.Triage(context.Background(), request(headacheText))

	require.Equal(t, schema.StatusDegraded, resp.Status)
	assert.Empty(t, resp.Error.Stack)
}
