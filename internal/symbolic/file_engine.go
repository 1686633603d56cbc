package symbolic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ichiban/prolog"
	"gopkg.in/yaml.v3"

	"github.com/nsai-detect/backend/internal/storage/models"
)

// FileEngine reads rules from a local file. Files ending in .yaml or .yml
// hold a list of {class_a, class_b, weight}; anything else is consulted as
// Prolog and queried for confidence_modifier/3.
type FileEngine struct{}

func NewFileEngine() *FileEngine {
	return &FileEngine{}
}

func (e *FileEngine) LoadRules(ctx context.Context, source string) ([]models.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := strings.TrimPrefix(source, "file://")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrRulesSourceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAMLRules(data)
	default:
		return ParseFacts(ctx, data)
	}
}

type yamlRules struct {
	Rules []models.Rule `yaml:"rules"`
}

func parseYAMLRules(data []byte) ([]models.Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var list []models.Rule
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc yamlRules
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse yaml rules: %w", err)
	}
	return doc.Rules, nil
}

// modifierQuery is asked of every Prolog rule file.
const modifierQuery = `confidence_modifier(A, B, W).`

type modifierSolution struct {
	A string
	B string
	W prolog.TermString
}

// ParseFacts consults Prolog text and collects every solution of
// confidence_modifier(A, B, W), so modifiers may be facts or rules. A file
// that never defines the predicate yields no rules.
func ParseFacts(ctx context.Context, data []byte) ([]models.Rule, error) {
	p := prolog.New(nil, nil)
	if err := p.ExecContext(ctx, `:- dynamic(confidence_modifier/3).`); err != nil {
		return nil, fmt.Errorf("failed to declare confidence_modifier/3: %w", err)
	}
	if err := p.ExecContext(ctx, string(data)); err != nil {
		return nil, fmt.Errorf("failed to consult rules: %w", err)
	}

	sols, err := p.QueryContext(ctx, modifierQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer sols.Close()

	var rules []models.Rule
	for sols.Next() {
		var sol modifierSolution
		if err := sols.Scan(&sol); err != nil {
			return nil, fmt.Errorf("failed to read rule %d: %w", len(rules)+1, err)
		}
		weight, err := strconv.ParseFloat(string(sol.W), 64)
		if err != nil {
			return nil, fmt.Errorf("rule %s-%s: weight %s is not a number", sol.A, sol.B, sol.W)
		}
		rules = append(rules, models.Rule{ClassA: sol.A, ClassB: sol.B, Weight: weight})
	}
	if err := sols.Err(); err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return rules, nil
}
