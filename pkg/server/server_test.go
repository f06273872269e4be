package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/careflow/pkg/pipeline"
	"github.com/zen-systems/careflow/pkg/schema"
)

type fakeTriager struct {
	gotTraceID string
	status     schema.Status
	health     string
	batchErr   error
}

func (f *fakeTriager) Triage(ctx context.Context, req *schema.TriageRequest) *schema.TriageResponse {
	f.gotTraceID = pipeline.TraceIDFrom(ctx)
	return &schema.TriageResponse{TraceID: f.gotTraceID, Status: f.status, Confidence: 0.8}
}

func (f *fakeTriager) BatchTriage(ctx context.Context, reqs []*schema.TriageRequest) (*pipeline.BatchOutcome, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &pipeline.BatchOutcome{}
	for i := range reqs {
		out.Results = append(out.Results, pipeline.BatchItemResult{Index: i, Response: &schema.TriageResponse{Status: schema.StatusComplete}})
	}
	return out, nil
}

func (f *fakeTriager) HealthCheck(context.Context) *pipeline.HealthReport {
	return &pipeline.HealthReport{Status: f.health}
}

func setup(f *fakeTriager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewServer(f).SetupRouter()
}

func do(r *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriageEchoesTraceID(t *testing.T) {
	f := &fakeTriager{status: schema.StatusComplete}
	r := setup(f)

	w := do(r, http.MethodPost, "/v1/triage", `{"mode":"patient","symptoms":"mild headache","patient_id":"p1"}`, map[string]string{TraceHeader: "abc-123"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get(TraceHeader))
	assert.Equal(t, "abc-123", f.gotTraceID)

	var resp schema.TriageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc-123", resp.TraceID)
}

func TestTriageMintsTraceID(t *testing.T) {
	f := &fakeTriager{status: schema.StatusComplete}
	w := do(setup(f), http.MethodPost, "/v1/triage", `{}`, nil)

	assert.NotEmpty(t, w.Header().Get(TraceHeader))
	assert.Equal(t, w.Header().Get(TraceHeader), f.gotTraceID)
}

func TestTriageDegradedIsStillOK(t *testing.T) {
	w := do(setup(&fakeTriager{status: schema.StatusDegraded}), http.MethodPost, "/v1/triage", `{}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriageRejectedIsBadRequest(t *testing.T) {
	w := do(setup(&fakeTriager{status: schema.StatusRejected}), http.MethodPost, "/v1/triage", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriageMalformedBody(t *testing.T) {
	w := do(setup(&fakeTriager{}), http.MethodPost, "/v1/triage", `{not json`, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		TraceID string               `json:"trace_id"`
		Error   schema.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, schema.ErrorTypeValidation, body.Error.Type)
	assert.NotEmpty(t, body.TraceID)
}

func TestBatchTriage(t *testing.T) {
	w := do(setup(&fakeTriager{}), http.MethodPost, "/v1/triage/batch", `{"requests":[{"mode":"patient"},{"mode":"clinician"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var out pipeline.BatchOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Results, 2)
}

func TestBatchTriageValidationError(t *testing.T) {
	f := &fakeTriager{batchErr: &pipeline.ValidationError{Problems: []string{"too many"}}}
	w := do(setup(f), http.MethodPost, "/v1/triage/batch", `{"requests":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthStatusCodes(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{pipeline.HealthHealthy, http.StatusOK},
		{pipeline.HealthDegraded, http.StatusOK},
		{pipeline.HealthUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			w := do(setup(&fakeTriager{health: tt.status}), http.MethodGet, "/v1/health", "", nil)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}
