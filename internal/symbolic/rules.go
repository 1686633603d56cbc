// Package symbolic adjusts detection confidences using class-pair rules
// supplied by a rule engine, and records every adjustment it makes.
package symbolic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nsai-detect/backend/internal/storage/models"
)

var ErrRulesSourceNotFound = errors.New("rules source not found")

// RuleEngine returns the confidence modifier facts held at source, in the
// order they should be applied.
type RuleEngine interface {
	LoadRules(ctx context.Context, source string) ([]models.Rule, error)
}

// SymbolicReasoningError means the rule engine was reached but failed.
type SymbolicReasoningError struct {
	Source string
	Err    error
}

func (e *SymbolicReasoningError) Error() string {
	return fmt.Sprintf("symbolic reasoning failed for %q: %v", e.Source, e.Err)
}

func (e *SymbolicReasoningError) Unwrap() error {
	return e.Err
}

type pairKey struct {
	a, b string
}

func normalizeClass(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func keyFor(a, b string) pairKey {
	a, b = normalizeClass(a), normalizeClass(b)
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// RuleSet indexes rules by unordered class pair while keeping load order.
type RuleSet struct {
	Source string
	rules  []models.Rule
	byPair map[pairKey][]models.Rule
}

// NewRuleSet keeps the usable rules and describes each rejected one.
// Neutral rules (weight 1) are kept but never change a confidence.
func NewRuleSet(source string, rules []models.Rule) (*RuleSet, []string) {
	rs := &RuleSet{Source: source, byPair: make(map[pairKey][]models.Rule)}
	var rejected []string

	for _, r := range rules {
		switch {
		case normalizeClass(r.ClassA) == "" || normalizeClass(r.ClassB) == "":
			rejected = append(rejected, fmt.Sprintf("rule %s has an empty class name", r.Pair()))
			continue
		case math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) || r.Weight <= 0:
			rejected = append(rejected, fmt.Sprintf("rule %s has unusable weight %v", r.Pair(), r.Weight))
			continue
		}
		k := keyFor(r.ClassA, r.ClassB)
		rs.rules = append(rs.rules, r)
		rs.byPair[k] = append(rs.byPair[k], r)
	}
	return rs, rejected
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func (rs *RuleSet) Rules() []models.Rule {
	if rs == nil {
		return nil
	}
	return append([]models.Rule(nil), rs.rules...)
}

// Lookup returns the rules for the unordered pair (a, b).
func (rs *RuleSet) Lookup(a, b string) []models.Rule {
	if rs == nil {
		return nil
	}
	return rs.byPair[keyFor(a, b)]
}
