// Package builder populates the knowledge graph with object classes and
// confidence modifier rule sets.
package builder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/internal/symbolic"
	"github.com/nsai-detect/backend/pkg/logger"
)

// RuleWriter is the write side of the graph store.
type RuleWriter interface {
	UpsertClasses(ctx context.Context, classMap map[int]string) error
	ReplaceRuleSet(ctx context.Context, ruleSet string, rules []models.Rule) error
}

// CacheInvalidator drops cached rule lists after a rule set changes.
type CacheInvalidator interface {
	InvalidateRules(ctx context.Context) error
}

type Builder struct {
	writer      RuleWriter
	loader      symbolic.RuleEngine
	invalidator CacheInvalidator
}

func NewBuilder(writer RuleWriter, loader symbolic.RuleEngine) *Builder {
	return &Builder{
		writer: writer,
		loader: loader,
	}
}

func (b *Builder) WithInvalidator(inv CacheInvalidator) *Builder {
	b.invalidator = inv
	return b
}

// ImportResult describes one rule import.
type ImportResult struct {
	RuleSet    string
	Imported   int
	Duplicates int
	Rejected   []string
}

// ImportRules reads rules from source and replaces ruleSet with them.
// Class names are lowercased and exact duplicates dropped; load order is
// otherwise preserved.
func (b *Builder) ImportRules(ctx context.Context, source, ruleSet string) (*ImportResult, error) {
	logger.Info("Importing rules", zap.String("source", source), zap.String("rule_set", ruleSet))

	raw, err := b.loader.LoadRules(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	rs, rejected := symbolic.NewRuleSet(source, raw)
	for _, msg := range rejected {
		logger.Warn("Rule rejected", zap.String("source", source), zap.String("reason", msg))
	}

	unique, duplicates := deduplicateRules(rs.Rules())

	if err := b.writer.ReplaceRuleSet(ctx, ruleSet, unique); err != nil {
		return nil, fmt.Errorf("failed to store rule set: %w", err)
	}

	if b.invalidator != nil {
		if err := b.invalidator.InvalidateRules(ctx); err != nil {
			logger.Warn("Failed to invalidate rules cache", zap.Error(err))
		}
	}

	logger.Info("Rules imported",
		zap.String("rule_set", ruleSet),
		zap.Int("imported", len(unique)),
		zap.Int("duplicates", duplicates),
		zap.Int("rejected", len(rejected)),
	)

	return &ImportResult{
		RuleSet:    ruleSet,
		Imported:   len(unique),
		Duplicates: duplicates,
		Rejected:   rejected,
	}, nil
}

// InitializeClasses writes the class map, falling back to the default
// aerial classes when none is given.
func (b *Builder) InitializeClasses(ctx context.Context, classMap map[int]string) error {
	if len(classMap) == 0 {
		classMap = models.DefaultClassMap
	}

	normalized := make(map[int]string, len(classMap))
	for id, name := range classMap {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		normalized[id] = name
	}

	if err := b.writer.UpsertClasses(ctx, normalized); err != nil {
		return fmt.Errorf("failed to initialize classes: %w", err)
	}

	logger.Info("Object classes initialized", zap.Int("count", len(normalized)))
	return nil
}

func deduplicateRules(rules []models.Rule) ([]models.Rule, int) {
	unique := make([]models.Rule, 0, len(rules))
	seen := make(map[models.Rule]bool)
	duplicates := 0

	for _, r := range rules {
		r.ClassA = strings.ToLower(strings.TrimSpace(r.ClassA))
		r.ClassB = strings.ToLower(strings.TrimSpace(r.ClassB))
		if seen[r] {
			duplicates++
			continue
		}
		seen[r] = true
		unique = append(unique, r)
	}

	return unique, duplicates
}
