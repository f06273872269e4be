// Package evidence writes a per-run audit trail. Records carry hashes and
// routing metadata only; symptom text and model output never reach disk.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	TraceID           string    `json:"trace_id"`
	Timestamp         time.Time `json:"timestamp"`
	InputHash         string    `json:"input_hash"`
	Mode              string    `json:"mode"`
	Status            string    `json:"status"`
	Band              string    `json:"band,omitempty"`
	Priority          string    `json:"priority,omitempty"`
	Confidence        float64   `json:"confidence"`
	EmergencyFastPath bool      `json:"emergency_fast_path"`
	SafetyOverrides   []string  `json:"safety_overrides,omitempty"`
	CostUSD           float64   `json:"cost_usd"`
	ErrorType         string    `json:"error_type,omitempty"`
	DurationMillis    int64     `json:"duration_ms"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Name           string          `json:"name"`
	Adapter        string          `json:"adapter"`
	Model          string          `json:"model"`
	Tier           string          `json:"tier,omitempty"`
	Batched        bool            `json:"batched"`
	PromptHash     string          `json:"prompt_hash,omitempty"`
	OutputHash     string          `json:"output_hash,omitempty"`
	Confidence     float64         `json:"confidence"`
	DurationMillis int64           `json:"duration_ms"`
	Error          string          `json:"error,omitempty"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// AttemptRecord captures each decode attempt, including repairs.
type AttemptRecord struct {
	Attempt    int      `json:"attempt"`
	PromptHash string   `json:"prompt_hash,omitempty"`
	OutputHash string   `json:"output_hash,omitempty"`
	Problems   []string `json:"problems,omitempty"`
	Succeeded  bool     `json:"succeeded"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/traceID.
func NewWriter(baseDir, traceID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if traceID == "" {
		return nil, fmt.Errorf("trace ID is required")
	}

	runDir := filepath.Join(baseDir, traceID)
	if err := os.MkdirAll(filepath.Join(runDir, "stages"), 0700); err != nil {
		return nil, err
	}
	// MkdirAll leaves existing parents alone; tighten the run dir explicitly.
	if err := os.Chmod(runDir, 0700); err != nil {
		return nil, err
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%s.json", record.Name))
	return writeJSON(path, record)
}

// Hash returns the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
