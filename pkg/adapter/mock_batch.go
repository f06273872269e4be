package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MockBatchClient runs batches against a backing Adapter. Status reports
// in_progress for PendingPolls calls, then FinalStatus. Results come back in
// reverse submission order.
type MockBatchClient struct {
	Backend      Adapter
	AdapterName  string
	PendingPolls int
	FinalStatus  BatchStatus
	SubmitErr    error
	StatusErr    error
	FetchErr     error
	// Drop lists custom ids omitted from the archive.
	Drop map[string]bool
	// Expire lists custom ids reported as expired results.
	Expire map[string]bool
	// TruncateAfter, when positive, stops the archive after that many
	// results and returns them with a read error.
	TruncateAfter int

	mu      sync.Mutex
	seq     int
	jobs    map[string][]BatchRequest
	polls   map[string]int
	batches [][]BatchRequest
}

// NewMockBatchClient creates a batch client backed by adapter.
func NewMockBatchClient(backend Adapter) *MockBatchClient {
	return &MockBatchClient{
		Backend:     backend,
		FinalStatus: BatchCompleted,
		jobs:        make(map[string][]BatchRequest),
		polls:       make(map[string]int),
	}
}

// Adapter returns the adapter name whose calls may be batched.
func (m *MockBatchClient) Adapter() string {
	if m.AdapterName != "" {
		return m.AdapterName
	}
	return m.Backend.Name()
}

// SubmitBatch records the batch and returns a job handle.
func (m *MockBatchClient) SubmitBatch(_ context.Context, requests []BatchRequest) (*BatchJob, error) {
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("mockbatch_%d", m.seq)
	m.jobs[id] = append([]BatchRequest(nil), requests...)
	m.batches = append(m.batches, m.jobs[id])
	return &BatchJob{ID: id, Status: BatchInProgress, Counts: BatchCounts{Processing: len(requests)}}, nil
}

// BatchStatus advances the job towards FinalStatus.
func (m *MockBatchClient) BatchStatus(_ context.Context, id string) (*BatchJob, error) {
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", id)
	}
	m.polls[id]++
	if m.polls[id] <= m.PendingPolls {
		return &BatchJob{ID: id, Status: BatchInProgress, Counts: BatchCounts{Processing: len(reqs)}}, nil
	}
	return &BatchJob{ID: id, Status: m.FinalStatus, Counts: BatchCounts{Succeeded: len(reqs)}, ResultsURL: "mock://" + id}, nil
}

// FetchResults executes each request on the backend.
func (m *MockBatchClient) FetchResults(ctx context.Context, job *BatchJob) ([]BatchResult, error) {
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	m.mu.Lock()
	reqs := m.jobs[job.ID]
	m.mu.Unlock()

	results := make([]BatchResult, 0, len(reqs))
	for i := len(reqs) - 1; i >= 0; i-- {
		r := reqs[i]
		if m.Drop[r.CustomID] {
			continue
		}
		if m.TruncateAfter > 0 && len(results) == m.TruncateAfter {
			return results, fmt.Errorf("results archive for %s truncated after %d entries", job.ID, len(results))
		}
		if m.Expire[r.CustomID] {
			results = append(results, BatchResult{CustomID: r.CustomID, Err: &ResultError{CustomID: r.CustomID, Type: "expired", Message: "request did not complete"}})
			continue
		}
		resp, err := m.Backend.Complete(ctx, r.Request)
		results = append(results, BatchResult{CustomID: r.CustomID, Response: resp, Err: err})
	}
	return results, nil
}

// Batches returns every submitted batch.
func (m *MockBatchClient) Batches() [][]BatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]BatchRequest(nil), m.batches...)
}
