package pipeline

import (
	"fmt"
	"strings"
	"text/template"
)

// StageName identifies one inference stage.
type StageName string

const (
	StageParse     StageName = "parse"
	StageRisk      StageName = "risk"
	StagePlan      StageName = "plan"
	StageAdapt     StageName = "adapt"
	StageEmergency StageName = "emergency"
)

// Stages lists every stage in pipeline order, emergency last.
var Stages = []StageName{StageParse, StageRisk, StagePlan, StageAdapt, StageEmergency}

// StageSpec describes how one stage is prompted.
type StageSpec struct {
	Name        StageName
	Temperature float64
	MaxTokens   int
	System      string
	Shape       string
	user        *template.Template
}

type stageDefault struct {
	temperature float64
	maxTokens   int
	system      string
	user        string
	shape       string
}

var stageDefaults = map[StageName]stageDefault{
	StageParse:     {temperature: 0.1, maxTokens: 1024, system: parseSystem, user: parseTemplate, shape: evidenceShape},
	StageRisk:      {temperature: 0.2, maxTokens: 1024, system: riskSystem, user: riskTemplate, shape: riskShape},
	StagePlan:      {temperature: 0.3, maxTokens: 1536, system: planSystem, user: planTemplate, shape: planShape},
	StageAdapt:     {temperature: 0.5, maxTokens: 1536, system: adaptSystem, user: adaptTemplate, shape: adaptedShape},
	StageEmergency: {temperature: 0.0, maxTokens: 1024, system: emergencySystem, user: emergencyTemplate, shape: planShape},
}

// promptData is the template input for user prompts.
type promptData struct {
	Mode     string
	Symptoms string
	Context  string
	Evidence string
	Risk     string
	Plan     string
}

var samplePromptData = promptData{
	Mode:     "patient",
	Symptoms: "sample symptoms",
	Context:  `{"age":40}`,
	Evidence: "{}",
	Risk:     "{}",
	Plan:     "{}",
}

// buildStageSpecs parses every prompt template and dry-runs it, so a broken
// override fails at startup instead of on a live request.
func buildStageSpecs(overrides map[string]string) (map[StageName]*StageSpec, error) {
	for name := range overrides {
		if _, ok := stageDefaults[StageName(name)]; !ok {
			return nil, fmt.Errorf("prompt override for unknown stage %q", name)
		}
	}

	specs := make(map[StageName]*StageSpec, len(stageDefaults))
	for _, name := range Stages {
		def := stageDefaults[name]
		text := def.user
		if override, ok := overrides[string(name)]; ok {
			text = override
		}

		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("prompt template %s: %w", name, err)
		}
		var sb strings.Builder
		if err := tmpl.Execute(&sb, samplePromptData); err != nil {
			return nil, fmt.Errorf("prompt template %s: %w", name, err)
		}

		specs[name] = &StageSpec{
			Name:        name,
			Temperature: def.temperature,
			MaxTokens:   def.maxTokens,
			System:      strings.Replace(def.system, "{{.Shape}}", def.shape, 1),
			Shape:       def.shape,
			user:        tmpl,
		}
	}
	return specs, nil
}

// Render executes the user template.
func (s *StageSpec) Render(data promptData) (string, error) {
	var sb strings.Builder
	if err := s.user.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", s.Name, err)
	}
	return sb.String(), nil
}
