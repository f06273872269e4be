package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/careflow/pkg/config"
)

// RuleSet contains the compiled complexity rules for pattern matching.
type RuleSet struct {
	// Compiled rules ordered by pattern length (longer patterns first)
	rules []compiledRule
}

type compiledRule struct {
	pattern string
	weight  int
}

// NewRuleSet compiles a complexity rule table.
func NewRuleSet(rules []config.ComplexityRule) *RuleSet {
	rs := &RuleSet{}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		p := strings.ToLower(strings.TrimSpace(r.Pattern))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		rs.rules = append(rs.rules, compiledRule{pattern: p, weight: r.Weight})
	}
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return len(rs.rules[i].pattern) > len(rs.rules[j].pattern)
	})
	return rs
}

// Score sums the weights of every rule found in text. Each rule counts once
// no matter how often its pattern recurs. Reasons list the contributing rules.
func (rs *RuleSet) Score(text string) (int, []string) {
	lower := strings.ToLower(text)
	score := 0
	var reasons []string
	for _, rule := range rs.rules {
		if containsTrigger(lower, rule.pattern) {
			score += rule.weight
			reasons = append(reasons, fmt.Sprintf("%q %+d", rule.pattern, rule.weight))
		}
	}
	return score, reasons
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// containsTrigger checks if the text contains the trigger phrase on word
// boundaries. Every occurrence is tried, so "pregnancy" inside
// "nonpregnancy" does not hide a later standalone match.
func containsTrigger(text, trigger string) bool {
	if trigger == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], trigger)
		if idx == -1 {
			return false
		}
		idx += offset
		endIdx := idx + len(trigger)

		before := idx == 0 || !isWordChar(text[idx-1])
		after := endIdx >= len(text) || !isWordChar(text[endIdx])
		if before && after {
			return true
		}
		offset = idx + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
