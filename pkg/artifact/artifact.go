package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Artifact is the immutable text output of one model call.
type Artifact struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Adapter       string            `json:"adapter"`
	Model         string            `json:"model"`
	RequestDigest string            `json:"request_digest"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Hash          string            `json:"hash"`
}

// New creates a new Artifact with computed hash.
func New(content, adapter, model, requestDigest string) *Artifact {
	a := &Artifact{
		ID:            uuid.NewString(),
		Content:       content,
		Adapter:       adapter,
		Model:         model,
		RequestDigest: requestDigest,
		Metadata:      make(map[string]string),
		CreatedAt:     time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// WithMetadata returns a new artifact with additional metadata.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	out := *a
	out.Metadata = copyMetadata(a.Metadata)
	out.Metadata[key] = value
	return &out
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Adapter))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func copyMetadata(m map[string]string) map[string]string {
	newM := make(map[string]string, len(m)+1)
	for k, v := range m {
		newM[k] = v
	}
	return newM
}
