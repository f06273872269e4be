package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// AdapterError is a provider failure. Op names the batch operation (submit,
// status, results) and is empty for direct completions.
type AdapterError struct {
	Provider  string
	Op        string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s batch %s failed (status=%d)", e.Provider, e.Op, e.Status)
	}
	return fmt.Sprintf("%s call failed (status=%d)", e.Provider, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ResultError is a per-request failure reported inside a batch's results.
// Type is the provider's result type: errored, expired or canceled.
type ResultError struct {
	CustomID string
	Type     string
	Message  string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("batch request %s %s: %s", e.CustomID, e.Type, e.Message)
}

// Rerunnable reports whether the request never reached the model, so sending
// it again directly cannot repeat a rejection.
func (e *ResultError) Rerunnable() bool {
	return e.Type == "expired" || e.Type == "canceled"
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var resultErr *ResultError
	if errors.As(err, &resultErr) {
		return resultErr.Rerunnable()
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Temporary || transientStatus(adapterErr.Status)
	}
	return false
}

// transientStatus covers rate limiting, Anthropic's 529 overload and server
// errors.
func transientStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == 529:
		return true
	case status >= http.StatusInternalServerError && status <= 599:
		return true
	}
	return false
}
