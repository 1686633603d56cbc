package symbolic

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
	"github.com/nsai-detect/backend/pkg/utils"
)

// StaticEngine serves rule sets held in memory, keyed by source.
type StaticEngine struct {
	Sources map[string][]models.Rule
	// Err, when set, is returned for every load.
	Err error
}

func NewStaticEngine(sources map[string][]models.Rule) *StaticEngine {
	return &StaticEngine{Sources: sources}
}

func (e *StaticEngine) LoadRules(_ context.Context, source string) ([]models.Rule, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	rules, ok := e.Sources[source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrRulesSourceNotFound)
	}
	return append([]models.Rule(nil), rules...), nil
}

// RuleCache stores loaded rule lists by fingerprint.
type RuleCache interface {
	GetRules(ctx context.Context, fingerprint string) ([]models.Rule, bool, error)
	SetRules(ctx context.Context, fingerprint string, rules []models.Rule) error
}

// CachedEngine consults cache before the wrapped engine. Cache failures are
// logged and bypassed.
type CachedEngine struct {
	engine      RuleEngine
	cache       RuleCache
	fingerprint func(source string) string
}

func NewCachedEngine(engine RuleEngine, cache RuleCache) *CachedEngine {
	return &CachedEngine{engine: engine, cache: cache, fingerprint: defaultFingerprint}
}

func defaultFingerprint(source string) string {
	if strings.Contains(source, "://") && !strings.HasPrefix(source, "file://") {
		return utils.Fingerprint(source)
	}
	return utils.FileFingerprint(strings.TrimPrefix(source, "file://"))
}

func (e *CachedEngine) LoadRules(ctx context.Context, source string) ([]models.Rule, error) {
	key := e.fingerprint(source)

	rules, ok, err := e.cache.GetRules(ctx, key)
	if err != nil {
		logger.Warn("Rules cache read failed", zap.String("source", source), zap.Error(err))
	} else if ok {
		return rules, nil
	}

	rules, err = e.engine.LoadRules(ctx, source)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetRules(ctx, key, rules); err != nil {
		logger.Warn("Rules cache write failed", zap.String("source", source), zap.Error(err))
	}
	return rules, nil
}

// Router dispatches on the source scheme ("neo4j://ruleset"). Sources
// without a registered scheme go to the fallback engine.
type Router struct {
	schemes  map[string]RuleEngine
	fallback RuleEngine
}

func NewRouter(fallback RuleEngine) *Router {
	return &Router{schemes: make(map[string]RuleEngine), fallback: fallback}
}

func (r *Router) Register(scheme string, engine RuleEngine) *Router {
	r.schemes[strings.ToLower(scheme)] = engine
	return r
}

func (r *Router) LoadRules(ctx context.Context, source string) ([]models.Rule, error) {
	if scheme, _, ok := strings.Cut(source, "://"); ok {
		if engine, found := r.schemes[strings.ToLower(scheme)]; found {
			return engine.LoadRules(ctx, source)
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no rule engine for %q: %w", source, ErrRulesSourceNotFound)
	}
	return r.fallback.LoadRules(ctx, source)
}
