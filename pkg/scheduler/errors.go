package scheduler

import (
	"errors"
	"fmt"

	"github.com/zen-systems/careflow/pkg/adapter"
)

var (
	// ErrPollTimeout is wrapped by BatchError when a job outlives the max poll wait.
	ErrPollTimeout = errors.New("batch poll timed out")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("scheduler closed")
	// ErrNotAdmitted is returned by Submit for calls that must run directly.
	ErrNotAdmitted = errors.New("call not eligible for batching")
	// ErrMissingResult marks a request absent from a completed results archive.
	ErrMissingResult = errors.New("no result in batch archive")
)

// BatchError reports a failed batch submission, poll or result fetch. Every
// request of the affected batch receives it through its callback.
type BatchError struct {
	Op      string
	BatchID string
	Status  adapter.BatchStatus
	Err     error
}

func (e *BatchError) Error() string {
	if e == nil {
		return "batch error"
	}
	msg := "batch " + e.Op
	if e.BatchID != "" {
		msg += " " + e.BatchID
	}
	if e.Status != "" {
		msg += fmt.Sprintf(" (status=%s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
