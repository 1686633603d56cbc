package symbolic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsai-detect/backend/internal/storage/models"
)

type memoryCache struct {
	data   map[string][]models.Rule
	getErr error
	sets   int
}

func (m *memoryCache) GetRules(_ context.Context, key string) ([]models.Rule, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	rules, ok := m.data[key]
	return rules, ok, nil
}

func (m *memoryCache) SetRules(_ context.Context, key string, rules []models.Rule) error {
	m.sets++
	m.data[key] = rules
	return nil
}

type countingEngine struct {
	RuleEngine
	calls int
}

func (c *countingEngine) LoadRules(ctx context.Context, source string) ([]models.Rule, error) {
	c.calls++
	return c.RuleEngine.LoadRules(ctx, source)
}

func TestCachedEngine(t *testing.T) {
	inner := &countingEngine{RuleEngine: NewStaticEngine(map[string][]models.Rule{
		"neo4j://default": {{ClassA: "ship", ClassB: "harbor", Weight: 1.25}},
	})}
	cache := &memoryCache{data: map[string][]models.Rule{}}
	engine := NewCachedEngine(inner, cache)
	ctx := context.Background()

	first, err := engine.LoadRules(ctx, "neo4j://default")
	require.NoError(t, err)
	second, err := engine.LoadRules(ctx, "neo4j://default")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, cache.sets)

	cache.getErr = errors.New("redis down")
	_, err = engine.LoadRules(ctx, "neo4j://default")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	_, err = engine.LoadRules(ctx, "neo4j://other")
	assert.ErrorIs(t, err, ErrRulesSourceNotFound)
}

func TestRouterDispatchesByScheme(t *testing.T) {
	graph := NewStaticEngine(map[string][]models.Rule{"neo4j://aerial": {{ClassA: "a", ClassB: "b", Weight: 2}}})
	files := NewStaticEngine(map[string][]models.Rule{"rules.pl": {{ClassA: "c", ClassB: "d", Weight: 0.5}}})
	router := NewRouter(files).Register("neo4j", graph)
	ctx := context.Background()

	rules, err := router.LoadRules(ctx, "neo4j://aerial")
	require.NoError(t, err)
	assert.Equal(t, "a", rules[0].ClassA)

	rules, err = router.LoadRules(ctx, "rules.pl")
	require.NoError(t, err)
	assert.Equal(t, "c", rules[0].ClassA)

	_, err = NewRouter(nil).LoadRules(ctx, "rules.pl")
	assert.ErrorIs(t, err, ErrRulesSourceNotFound)
}
