package repair

import (
	"strings"
	"testing"

	"github.com/zen-systems/careflow/pkg/schema"
)

func TestGenerateRepairPromptListsProblems(t *testing.T) {
	perr := &schema.ParseError{Contract: "risk", Problems: []string{"RiskAssessment.Band must be one of [immediate urgent routine]"}}

	prompt := GenerateRepairPrompt(`{"band":"soon"}`, perr, `{"band": "..."}`)
	if !strings.Contains(prompt, `{"band":"soon"}`) {
		t.Fatalf("missing original output")
	}
	if !strings.Contains(prompt, "[risk] RiskAssessment.Band must be one of") {
		t.Fatalf("missing problem line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "single JSON object") {
		t.Fatalf("missing shape section")
	}
}

func TestGenerateEscalationPromptDemandsRewrite(t *testing.T) {
	prompt := GenerateEscalationPrompt("garbage", nil, "")
	if !strings.Contains(prompt, "Do NOT repeat the previous output") {
		t.Fatalf("missing repeat warning")
	}
	if !strings.Contains(prompt, "not valid JSON") {
		t.Fatalf("missing generic issue")
	}
}
