package pipeline

// Default system prompts. Each starts with an instructional marker so the
// cache classifier tags it; they are identical across calls.
const (
	parseSystem = `You are a clinical intake assistant. Extract structured evidence from a free-text symptom description.

Instructions:
- Only record what the text states. Leave unknown fields out.
- List red flags verbatim (for example "crushing chest pain", "difficulty breathing").
- Severity is 0-10 and only present when the text implies one.
- If the description is too vague to assess, set a low confidence and add clarifying questions.
- Respond with a single JSON object and nothing else.

Shape:
{{.Shape}}`

	riskSystem = `You are a clinical risk assessor. Classify the urgency of the evidence into exactly one band: immediate, urgent or routine.

Guidelines:
- immediate: threat to life or limb, needs emergency care now.
- urgent: needs clinical review within hours.
- routine: can be managed with self-care or a scheduled appointment.
- When uncertain between two bands choose the more urgent one.
- Respond with a single JSON object and nothing else.

Shape:
{{.Shape}}`

	planSystem = `You are a care-pathway planner. Produce a care plan for the assessed risk.

Guidelines:
- The disposition must match the risk band.
- Safety netting lists concrete signs that mean the person must escalate.
- Respond with a single JSON object and nothing else.

Shape:
{{.Shape}}`

	adaptSystem = `You are a clinical communicator. Rewrite the care plan for the stated audience.

Instructions:
- For patients use plain language and include brief reassurance where appropriate.
- For clinicians be concise and keep clinical terms.
- Never change the disposition or drop safety-netting advice.
- Respond with a single JSON object and nothing else.

Shape:
{{.Shape}}`

	emergencySystem = `You are an emergency triage coordinator. The case has been classified as immediate risk.

Instructions:
- The disposition is emergency care now. Do not suggest waiting or self-care.
- Give short, direct steps to take while help is on the way.
- Respond with a single JSON object and nothing else.

Shape:
{{.Shape}}`
)

// Default user prompt templates, rendered per call with promptData.
const (
	parseTemplate = `Audience: {{.Mode}}
{{- if .Context}}
Patient context: {{.Context}}
{{- end}}

Symptom description:
{{.Symptoms}}`

	riskTemplate = `Clinical evidence:
{{.Evidence}}
{{- if .Context}}

Patient context: {{.Context}}
{{- end}}`

	planTemplate = `Audience: {{.Mode}}

Clinical evidence:
{{.Evidence}}

Risk assessment:
{{.Risk}}`

	adaptTemplate = `Audience: {{.Mode}}

Care plan:
{{.Plan}}`

	emergencyTemplate = `Audience: {{.Mode}}

Clinical evidence:
{{.Evidence}}

Risk assessment:
{{.Risk}}`
)

const (
	evidenceShape = `{"presenting_complaint": string, "onset": string, "severity": 0-10, "radiation": string, "associated_symptoms": [string], "vitals": {"heart_rate": int, "respiratory_rate": int, "systolic_bp": int, "diastolic_bp": int, "temperature": float, "oxygen_saturation": int}, "red_flags": [string], "coded_terms": [{"system": string, "code": string, "display": string}], "medications": [string], "allergies": [string], "clarifying_questions": [string], "confidence": 0-1}`
	riskShape     = `{"band": "immediate"|"urgent"|"routine", "probability": 0-1, "explanation": [string], "investigations": [string], "differentials": [string], "confidence": 0-1}`
	planShape     = `{"disposition": string, "rationale": [string], "what_to_expect": string, "safety_netting": [string], "timeframe": string, "confidence": 0-1}`
	adaptedShape  = `{"disposition": string, "explanation": string, "what_to_expect": string, "safety_net": [string], "next_steps": [string], "reassurance": string, "confidence": 0-1}`
)
