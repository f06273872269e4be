package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zen-systems/careflow/pkg/artifact"
)

type mockRule struct {
	match    string
	response string
	err      error
}

// MockAdapter returns deterministic responses for local runs and tests.
// Rules match on a substring of the request text; the first match wins.
type MockAdapter struct {
	mu              sync.Mutex
	rules           []mockRule
	defaultResponse string
	calls           []*Request
	Usage           *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{defaultResponse: "mock response:"}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses
// keyed by request substrings. Longer keys are matched first.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	keys := make([]string, 0, len(responses))
	for k := range responses {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if len(keys[i]) == len(keys[j]) {
			return keys[i] < keys[j]
		}
		return len(keys[i]) > len(keys[j])
	})

	a := &MockAdapter{defaultResponse: defaultResponse}
	for _, k := range keys {
		a.rules = append(a.rules, mockRule{match: k, response: responses[k]})
	}
	return a
}

// On registers a response for requests containing match.
func (a *MockAdapter) On(match, response string) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, mockRule{match: match, response: response})
	return a
}

// FailOn registers an error for requests containing match.
func (a *MockAdapter) FailOn(match string, err error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, mockRule{match: match, err: err})
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-economy", "mock-premium"}
}

// Complete returns the first matching scripted response.
func (a *MockAdapter) Complete(_ context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("mock: request is nil")
	}
	model := req.Model
	if model == "" {
		model = "mock-economy"
	}

	a.mu.Lock()
	a.calls = append(a.calls, req)
	rules := append([]mockRule(nil), a.rules...)
	usage := a.Usage
	a.mu.Unlock()

	text := req.Text()
	content := fmt.Sprintf("%s\n%s", a.defaultResponse, text)
	for _, rule := range rules {
		if strings.Contains(text, rule.match) {
			if rule.err != nil {
				return nil, rule.err
			}
			content = rule.response
			break
		}
	}

	art := artifact.New(content, a.Name(), model, req.Digest())
	return &Response{Artifact: art, Usage: usage}, nil
}

// Calls returns the requests received so far.
func (a *MockAdapter) Calls() []*Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Request(nil), a.calls...)
}

// CallsMatching counts received requests whose text contains match.
func (a *MockAdapter) CallsMatching(match string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, req := range a.calls {
		if strings.Contains(req.Text(), match) {
			n++
		}
	}
	return n
}
