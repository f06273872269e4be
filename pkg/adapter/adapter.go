package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat-completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Cache marks the message as eligible for ephemeral prompt caching.
	// Backends without explicit cache control ignore it.
	Cache bool `json:"cache,omitempty"`
}

// Request is a single chat-completion call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Digest returns a stable hash of the request messages.
func (r *Request) Digest() string {
	h := sha256.New()
	if r != nil {
		h.Write([]byte(r.Model))
		for _, m := range r.Messages {
			h.Write([]byte(m.Role))
			h.Write([]byte{0})
			h.Write([]byte(m.Content))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Text concatenates all message contents.
func (r *Request) Text() string {
	if r == nil {
		return ""
	}
	var n int
	for _, m := range r.Messages {
		n += len(m.Content) + 1
	}
	buf := make([]byte, 0, n)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Complete sends a chat-completion request and returns the model output.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// AdapterInfo holds metadata about an adapter.
type AdapterInfo struct {
	Name   string
	Models []ModelInfo
}

// ModelInfo holds metadata about a model.
type ModelInfo struct {
	ID          string
	Description string
}

func maxTokensOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
