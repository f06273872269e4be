package schema

import (
	"fmt"
	"strings"
)

// Audience selects how the final plan is rendered.
type Audience string

const (
	AudiencePatient   Audience = "patient"
	AudienceClinician Audience = "clinician"
)

// RiskBand is the clinical urgency classification.
type RiskBand string

const (
	BandImmediate RiskBand = "immediate"
	BandUrgent    RiskBand = "urgent"
	BandRoutine   RiskBand = "routine"
)

// Priority is the operational scheduling class derived from a risk band.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityUrgent    Priority = "urgent"
	PriorityRoutine   Priority = "routine"
	PriorityBatch     Priority = "batch"
)

// ParseRiskBand converts a string into a RiskBand.
func ParseRiskBand(value string) (RiskBand, error) {
	switch RiskBand(strings.ToLower(strings.TrimSpace(value))) {
	case BandImmediate:
		return BandImmediate, nil
	case BandUrgent:
		return BandUrgent, nil
	case BandRoutine:
		return BandRoutine, nil
	default:
		return "", fmt.Errorf("unknown risk band %q", value)
	}
}

// Rank orders bands from least (0) to most urgent.
func (b RiskBand) Rank() int {
	switch b {
	case BandImmediate:
		return 2
	case BandUrgent:
		return 1
	default:
		return 0
	}
}

// ParseAudience converts a string into an Audience.
func ParseAudience(value string) (Audience, error) {
	switch Audience(strings.ToLower(strings.TrimSpace(value))) {
	case AudiencePatient:
		return AudiencePatient, nil
	case AudienceClinician:
		return AudienceClinician, nil
	default:
		return "", fmt.Errorf("unknown audience %q", value)
	}
}

// SystemLoad is the caller-supplied load signal used for priority escalation.
type SystemLoad string

const (
	LoadLow    SystemLoad = "low"
	LoadNormal SystemLoad = "normal"
	LoadHigh   SystemLoad = "high"
)

// PatientContext carries optional background about the patient.
type PatientContext struct {
	Age         *int     `json:"age,omitempty" validate:"omitempty,gte=0,lte=130"`
	Conditions  []string `json:"conditions,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
}

// TriageRequest is one inbound triage call.
type TriageRequest struct {
	Mode               Audience        `json:"mode" validate:"required,oneof=patient clinician"`
	Symptoms           string          `json:"symptoms" validate:"required"`
	PatientID          string          `json:"patient_id" validate:"required"`
	Context            *PatientContext `json:"context,omitempty" validate:"omitempty"`
	ProviderPreference string          `json:"provider_preference,omitempty"`

	// Operational signals. They have no canonical source inside the core.
	IsAfterHours bool       `json:"is_after_hours,omitempty"`
	SystemLoad   SystemLoad `json:"system_load,omitempty" validate:"omitempty,oneof=low normal high"`
	TestCategory string     `json:"test_category,omitempty"`
}

// Vitals are all optional; models omit what the text does not mention.
type Vitals struct {
	HeartRate        *int     `json:"heart_rate,omitempty" validate:"omitempty,gte=0,lte=300"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty" validate:"omitempty,gte=0,lte=100"`
	SystolicBP       *int     `json:"systolic_bp,omitempty" validate:"omitempty,gte=0,lte=300"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty" validate:"omitempty,gte=0,lte=200"`
	Temperature      *float64 `json:"temperature,omitempty" validate:"omitempty,gte=25,lte=45"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// CodedTerm is a terminology code attached to the evidence.
type CodedTerm struct {
	System  string `json:"system"`
	Code    string `json:"code" validate:"required"`
	Display string `json:"display,omitempty"`
}

// ClinicalEvidence is the structured extraction produced by the parse stage.
type ClinicalEvidence struct {
	PresentingComplaint string      `json:"presenting_complaint" validate:"required"`
	Onset               string      `json:"onset,omitempty"`
	Severity            *int        `json:"severity,omitempty" validate:"omitempty,gte=0,lte=10"`
	Radiation           string      `json:"radiation,omitempty"`
	AssociatedSymptoms  []string    `json:"associated_symptoms,omitempty"`
	Vitals              *Vitals     `json:"vitals,omitempty" validate:"omitempty"`
	RedFlags            []string    `json:"red_flags,omitempty"`
	CodedTerms          []CodedTerm `json:"coded_terms,omitempty" validate:"dive"`
	Medications         []string    `json:"medications,omitempty"`
	Allergies           []string    `json:"allergies,omitempty"`

	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`
	Confidence          float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// NeedsClarification reports whether the parse stage asked for more input.
func (e *ClinicalEvidence) NeedsClarification(threshold float64) bool {
	if e == nil {
		return true
	}
	return e.Confidence < threshold || len(e.ClarifyingQuestions) > 0
}

// RiskAssessment is the output of the risk-assess stage after overrides.
type RiskAssessment struct {
	Band           RiskBand `json:"band" validate:"required,oneof=immediate urgent routine"`
	Probability    float64  `json:"probability" validate:"gte=0,lte=1"`
	Explanation    []string `json:"explanation" validate:"required,min=1"`
	Investigations []string `json:"investigations,omitempty"`
	Differentials  []string `json:"differentials,omitempty"`
	Confidence     float64  `json:"confidence" validate:"gte=0,lte=1"`

	// Overridden is set by the safety layer, never by a model.
	Overridden bool `json:"overridden,omitempty"`
}

// Clone returns a deep copy of the assessment.
func (r *RiskAssessment) Clone() *RiskAssessment {
	if r == nil {
		return nil
	}
	out := *r
	out.Explanation = append([]string(nil), r.Explanation...)
	out.Investigations = append([]string(nil), r.Investigations...)
	out.Differentials = append([]string(nil), r.Differentials...)
	return &out
}

// CarePlan is the output of the plan stage.
type CarePlan struct {
	Disposition   string   `json:"disposition" validate:"required"`
	Rationale     []string `json:"rationale" validate:"required,min=1"`
	WhatToExpect  string   `json:"what_to_expect,omitempty"`
	SafetyNetting []string `json:"safety_netting" validate:"required,min=1"`
	Timeframe     string   `json:"timeframe" validate:"required"`
	Confidence    float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// AdaptedResponse is the audience-specific rendering of a CarePlan.
type AdaptedResponse struct {
	Disposition  string   `json:"disposition" validate:"required"`
	Explanation  string   `json:"explanation" validate:"required"`
	WhatToExpect string   `json:"what_to_expect,omitempty"`
	SafetyNet    []string `json:"safety_net" validate:"required,min=1"`
	NextSteps    []string `json:"next_steps,omitempty"`
	Reassurance  string   `json:"reassurance,omitempty"`
	Confidence   float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// RoutingMeta is derived from the band and operational context.
type RoutingMeta struct {
	Priority     Priority `json:"priority"`
	TestCategory string   `json:"test_category,omitempty"`
}
