package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/careflow/pkg/schema"
)

// GenerateRepairPrompt asks the model to re-emit output that failed to decode
// into the stage's contract.
func GenerateRepairPrompt(original string, perr *schema.ParseError, shape string) string {
	var sb strings.Builder

	sb.WriteString("Your previous output could not be accepted:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(original)
	sb.WriteString("\n---\n\n")

	writeProblems(&sb, perr)

	if shape != "" {
		sb.WriteString("\nThe output must be a single JSON object of this shape:\n")
		sb.WriteString(shape)
		sb.WriteString("\n")
	}

	sb.WriteString("\nReturn only the corrected JSON object, with no prose or code fences.")
	return sb.String()
}

// GenerateEscalationPrompt is used when a repair attempt failed again.
func GenerateEscalationPrompt(original string, perr *schema.ParseError, shape string) string {
	var sb strings.Builder

	sb.WriteString("The previous outputs are repeating and still fail validation.\n")
	sb.WriteString("Do NOT repeat the previous output; rebuild the JSON object from scratch.\n\n")

	writeProblems(&sb, perr)

	if shape != "" {
		sb.WriteString("\nRequired shape:\n")
		sb.WriteString(shape)
		sb.WriteString("\n")
	}

	sb.WriteString("\nPrevious output:\n---\n")
	sb.WriteString(original)
	sb.WriteString("\n---\n")
	sb.WriteString("\nReturn only the JSON object.\n")
	return sb.String()
}

func writeProblems(sb *strings.Builder, perr *schema.ParseError) {
	sb.WriteString("Issues found:\n")
	if perr == nil || len(perr.Problems) == 0 {
		sb.WriteString("- output is not valid JSON for the expected contract\n")
		return
	}
	for _, p := range perr.Problems {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", perr.Contract, p))
	}
}
