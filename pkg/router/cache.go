package router

import (
	"strings"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
)

// CacheClassifier tags messages that are worth ephemeral prompt caching.
// The tag is a hint to the backend and carries no guarantee.
type CacheClassifier struct {
	cfg config.CacheConfig
}

// NewCacheClassifier creates a classifier from cache config.
func NewCacheClassifier(cfg config.CacheConfig) *CacheClassifier {
	return &CacheClassifier{cfg: cfg}
}

// Eligible reports whether the message at position index may be cached.
func (c *CacheClassifier) Eligible(index int, msg adapter.Message) bool {
	if index < c.cfg.LeadingMessages {
		return true
	}
	if c.cfg.MinLength > 0 && len(msg.Content) > c.cfg.MinLength {
		return true
	}
	for _, marker := range c.cfg.Markers {
		if marker != "" && strings.Contains(msg.Content, marker) {
			return true
		}
	}
	return false
}

// Classify returns a copy of messages with Cache set on eligible entries,
// plus the indices that were tagged.
func (c *CacheClassifier) Classify(messages []adapter.Message) ([]adapter.Message, []int) {
	out := make([]adapter.Message, len(messages))
	var tagged []int
	for i, m := range messages {
		m.Cache = c.Eligible(i, m)
		if m.Cache {
			tagged = append(tagged, i)
		}
		out[i] = m
	}
	return out, tagged
}
