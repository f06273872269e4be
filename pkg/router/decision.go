package router

// Tier is the capability class of the selected model.
type Tier string

const (
	TierEconomy Tier = "economy"
	TierPremium Tier = "premium"
)

// Decision captures routing decision details. It is recorded for cost and
// quality auditing and never alters pipeline control flow.
type Decision struct {
	Tier      Tier     `json:"tier"`
	Score     int      `json:"score"`
	Threshold int      `json:"threshold"`
	Reasons   []string `json:"reasons,omitempty"`
	Adapter   string   `json:"adapter"`
	// Model is the canonical model after alias resolution.
	Model string `json:"model"`
}
