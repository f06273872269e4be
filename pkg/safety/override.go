// Package safety holds the deterministic rules that sit on top of model
// output. The rules cannot be disabled and never make a result less
// conservative.
package safety

import (
	"fmt"
	"strings"

	"github.com/zen-systems/careflow/pkg/schema"
)

// Rule names reported in Override.
const (
	RuleCriticalRedFlag = "critical_red_flag"
	RuleHighSeverity    = "high_severity"
)

const (
	criticalProbabilityFloor = 0.95
	severityThreshold        = 8
	severityProbabilityFloor = 0.7
)

var criticalPhrases = []string{
	"crushing chest pain",
	"worst headache of life",
	"worst headache of my life",
	"difficulty breathing",
	"suicidal ideation",
	"anaphylaxis",
	"severe trauma",
}

// CriticalPhrases returns the red-flag phrases that force an immediate band.
func CriticalPhrases() []string {
	return append([]string(nil), criticalPhrases...)
}

// Override records one rule that changed an assessment.
type Override struct {
	Rule        string          `json:"rule"`
	From        schema.RiskBand `json:"from"`
	To          schema.RiskBand `json:"to"`
	Probability float64         `json:"probability"`
	Reason      string          `json:"reason"`
}

// Apply runs every rule against a copy of risk and returns the copy with the
// overrides that fired. A nil risk is returned unchanged.
func Apply(evidence *schema.ClinicalEvidence, risk *schema.RiskAssessment) (*schema.RiskAssessment, []Override) {
	if risk == nil {
		return nil, nil
	}
	out := risk.Clone()
	var applied []Override

	if phrase, ok := criticalRedFlag(evidence); ok {
		from := out.Band
		out.Band = schema.BandImmediate
		if out.Probability < criticalProbabilityFloor {
			out.Probability = criticalProbabilityFloor
		}
		reason := fmt.Sprintf("Safety override: critical red flag %q present, band set to immediate", phrase)
		out.Explanation = append([]string{reason}, out.Explanation...)
		out.Overridden = true
		applied = append(applied, Override{Rule: RuleCriticalRedFlag, From: from, To: out.Band, Probability: out.Probability, Reason: reason})
	}

	if evidence != nil && evidence.Severity != nil && *evidence.Severity >= severityThreshold && out.Band == schema.BandRoutine {
		from := out.Band
		out.Band = schema.BandUrgent
		if out.Probability < severityProbabilityFloor {
			out.Probability = severityProbabilityFloor
		}
		reason := fmt.Sprintf("Safety override: reported severity %d/10 is inconsistent with routine, band set to urgent", *evidence.Severity)
		out.Explanation = append([]string{reason}, out.Explanation...)
		out.Overridden = true
		applied = append(applied, Override{Rule: RuleHighSeverity, From: from, To: out.Band, Probability: out.Probability, Reason: reason})
	}

	return out, applied
}

func criticalRedFlag(evidence *schema.ClinicalEvidence) (string, bool) {
	if evidence == nil {
		return "", false
	}
	for _, flag := range evidence.RedFlags {
		lower := strings.ToLower(flag)
		for _, phrase := range criticalPhrases {
			if strings.Contains(lower, phrase) {
				return phrase, true
			}
		}
	}
	return "", false
}
