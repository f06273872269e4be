package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"
)

// AnthropicBatchClient runs calls through the Message Batches API.
type AnthropicBatchClient struct {
	client anthropic.Client
}

// NewAnthropicBatchClient creates a batch client. Options are applied after
// the API key, so tests can point it at a local server.
func NewAnthropicBatchClient(apiKey string, opts ...option.RequestOption) (*AnthropicBatchClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicBatchClient{client: anthropic.NewClient(opts...)}, nil
}

// Adapter returns the direct adapter this client mirrors.
func (c *AnthropicBatchClient) Adapter() string {
	return "anthropic"
}

// SubmitBatch creates a message batch. Each request is mapped exactly as the
// direct adapter would send it.
func (c *AnthropicBatchClient) SubmitBatch(ctx context.Context, requests []BatchRequest) (*BatchJob, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}
	params := anthropic.MessageBatchNewParams{
		Requests: make([]anthropic.MessageBatchNewParamsRequest, 0, len(requests)),
	}
	for _, r := range requests {
		if r.Request == nil {
			return nil, fmt.Errorf("batch request %s has no body", r.CustomID)
		}
		params.Requests = append(params.Requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params:   messageParams(r.Request),
		})
	}

	batch, err := c.client.Messages.Batches.New(ctx, params)
	if err != nil {
		return nil, wrapBatchError("submit", err)
	}
	return batchJob(batch), nil
}

// BatchStatus retrieves the current state of a batch.
func (c *AnthropicBatchClient) BatchStatus(ctx context.Context, id string) (*BatchJob, error) {
	batch, err := c.client.Messages.Batches.Get(ctx, id)
	if err != nil {
		return nil, wrapBatchError("status", err)
	}
	return batchJob(batch), nil
}

// FetchResults streams the results of an ended batch. A line that cannot be
// decoded ends the stream; the results read before it are returned with the
// error so that only the unread requests fail.
func (c *AnthropicBatchClient) FetchResults(ctx context.Context, job *BatchJob) ([]BatchResult, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("batch has no id")
	}

	stream := c.client.Messages.Batches.ResultsStreaming(ctx, job.ID)
	defer stream.Close()

	var results []BatchResult
	for stream.Next() {
		results = append(results, batchResult(stream.Current(), c.Adapter()))
	}
	if err := stream.Err(); err != nil {
		return results, fmt.Errorf("read results of %s after %d entries: %w", job.ID, len(results), wrapBatchError("results", err))
	}
	return results, nil
}

func batchResult(item anthropic.MessageBatchIndividualResponse, adapterName string) BatchResult {
	id := item.CustomID

	switch kind := item.Result.Type; kind {
	case "succeeded":
		msg := item.Result.Message
		resp := messageResponse(&msg, adapterName, string(msg.Model), "")
		resp.Artifact = resp.Artifact.WithMetadata("custom_id", id)
		return BatchResult{CustomID: id, Response: resp}
	case "errored":
		return BatchResult{CustomID: id, Err: &ResultError{CustomID: id, Type: kind, Message: resultErrorMessage(item.RawJSON())}}
	default:
		if kind == "" {
			kind = "unknown"
		}
		return BatchResult{CustomID: id, Err: &ResultError{CustomID: id, Type: kind, Message: "request did not complete"}}
	}
}

// resultErrorMessage digs the provider message out of an errored result. The
// error object is nested once for API errors and sits flat for others.
func resultErrorMessage(raw string) string {
	for _, path := range []string{"result.error.error.message", "result.error.message"} {
		if msg := gjson.Get(raw, path).String(); msg != "" {
			return msg
		}
	}
	return "request errored"
}

func batchJob(b *anthropic.MessageBatch) *BatchJob {
	job := &BatchJob{
		ID: b.ID,
		Counts: BatchCounts{
			Processing: int(b.RequestCounts.Processing),
			Succeeded:  int(b.RequestCounts.Succeeded),
			Errored:    int(b.RequestCounts.Errored),
			Canceled:   int(b.RequestCounts.Canceled),
			Expired:    int(b.RequestCounts.Expired),
		},
		ResultsURL: b.ResultsURL,
	}
	if b.ProcessingStatus != "ended" {
		job.Status = BatchInProgress
		return job
	}
	c := job.Counts
	switch {
	case c.Succeeded == 0 && c.Errored == 0 && c.Expired > 0:
		job.Status = BatchExpired
	case c.Succeeded == 0 && c.Errored == 0 && c.Canceled > 0:
		job.Status = BatchFailed
	default:
		job.Status = BatchCompleted
	}
	return job
}

func wrapBatchError(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &AdapterError{
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Op:       op,
			Err:      fmt.Errorf("anthropic batch %s: %w", op, err),
		}
	}
	return &AdapterError{Provider: "anthropic", Op: op, Err: fmt.Errorf("anthropic batch %s: %w", op, err)}
}
