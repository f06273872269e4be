package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/scheduler"
	"github.com/zen-systems/careflow/pkg/schema"
)

// ValidationError rejects a request before any inference call is made.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid request"
	}
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// StageError reports a stage call that produced no usable output.
type StageError struct {
	Stage StageName
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return "stage error"
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func validateRequest(req *schema.TriageRequest, minSymptomLength int) error {
	if req == nil {
		return &ValidationError{Problems: []string{"request is required"}}
	}

	var problems []string
	if err := schema.Validate("request", req); err != nil {
		var perr *schema.ParseError
		if errors.As(err, &perr) {
			problems = append(problems, perr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if symptoms := strings.TrimSpace(req.Symptoms); symptoms != "" && len(symptoms) < minSymptomLength {
		problems = append(problems, fmt.Sprintf("symptom description must be at least %d characters", minSymptomLength))
	}
	if req.PatientID != "" && strings.TrimSpace(req.PatientID) == "" {
		problems = append(problems, "patient id is blank")
	}
	if req.Symptoms != "" && strings.TrimSpace(req.Symptoms) == "" {
		problems = append(problems, "symptom description is blank")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// classifyError maps a failure to the envelope type and code reported to callers.
func classifyError(err error) (string, string) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return schema.ErrorTypeValidation, "invalid_request"
	}
	var perr *schema.ParseError
	if errors.As(err, &perr) {
		return schema.ErrorTypeParse, "invalid_" + perr.Contract + "_output"
	}
	var berr *scheduler.BatchError
	if errors.As(err, &berr) {
		if errors.Is(err, scheduler.ErrPollTimeout) {
			return schema.ErrorTypeBatch, "batch_timeout"
		}
		return schema.ErrorTypeBatch, "batch_" + berr.Op + "_failed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrorTypeProvider, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return schema.ErrorTypeProvider, "canceled"
	}
	var aerr *adapter.AdapterError
	if errors.As(err, &aerr) {
		if aerr.Status > 0 {
			return schema.ErrorTypeProvider, fmt.Sprintf("provider_status_%d", aerr.Status)
		}
		return schema.ErrorTypeProvider, "provider_unavailable"
	}
	var serr *StageError
	if errors.As(err, &serr) {
		return schema.ErrorTypeProvider, "stage_" + string(serr.Stage) + "_failed"
	}
	return schema.ErrorTypeInternal, "internal"
}
