package priority

import (
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/schema"
)

// categoryBands is the conventional band for each test-category tag.
var categoryBands = map[string]schema.RiskBand{
	"cardiac-emergency":    schema.BandImmediate,
	"stroke":               schema.BandImmediate,
	"respiratory-distress": schema.BandImmediate,
	"anaphylaxis":          schema.BandImmediate,
	"mental-health-crisis": schema.BandImmediate,
	"major-trauma":         schema.BandImmediate,
	"acute-abdomen":        schema.BandUrgent,
	"infection":            schema.BandUrgent,
	"fracture":             schema.BandUrgent,
	"pediatric-fever":      schema.BandUrgent,
	"minor-injury":         schema.BandRoutine,
	"mild-illness":         schema.BandRoutine,
	"medication-query":     schema.BandRoutine,
	"chronic-review":       schema.BandRoutine,
}

// ExpectedBand returns the band a test category conventionally implies.
func ExpectedBand(category string) (schema.RiskBand, bool) {
	band, ok := categoryBands[strings.ToLower(strings.TrimSpace(category))]
	return band, ok
}

// Categories lists the known test-category tags.
func Categories() []string {
	out := make([]string, 0, len(categoryBands))
	for name := range categoryBands {
		out = append(out, name)
	}
	return out
}

// CheckConsistency logs when a test-category tag implies a different band
// than the one assigned. It returns false on mismatch and never alters
// behavior; callers only invoke it outside production.
func CheckConsistency(logger *zap.Logger, category string, assigned schema.RiskBand) bool {
	if category == "" {
		return true
	}
	expected, ok := ExpectedBand(category)
	if !ok || expected == assigned {
		return true
	}
	if logger != nil {
		logger.Warn("test category implies a different band",
			zap.String("test_category", category),
			zap.String("expected_band", string(expected)),
			zap.String("assigned_band", string(assigned)),
		)
	}
	return false
}
