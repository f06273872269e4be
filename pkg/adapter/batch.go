package adapter

import "context"

// BatchStatus is the processing state of an asynchronous batch job.
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
)

// Terminal reports whether polling should stop.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchExpired
}

// BatchCounts holds per-outcome request counts.
type BatchCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

// BatchJob is the handle of a submitted batch.
type BatchJob struct {
	ID         string      `json:"id"`
	Status     BatchStatus `json:"status"`
	Counts     BatchCounts `json:"counts"`
	ResultsURL string      `json:"results_url,omitempty"`
}

// BatchRequest is one call inside a batch submission.
type BatchRequest struct {
	CustomID string
	Request  *Request
}

// BatchResult is one per-call outcome from a results archive.
type BatchResult struct {
	CustomID string
	Response *Response
	Err      error
}

// BatchClient is the asynchronous batch-inference contract.
type BatchClient interface {
	// Adapter names the direct adapter whose models this client can batch.
	Adapter() string
	SubmitBatch(ctx context.Context, requests []BatchRequest) (*BatchJob, error)
	BatchStatus(ctx context.Context, id string) (*BatchJob, error)
	// FetchResults may return the results read before a failure together
	// with the error.
	FetchResults(ctx context.Context, job *BatchJob) ([]BatchResult, error)
}
