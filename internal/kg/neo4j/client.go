package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/internal/symbolic"
	"github.com/nsai-detect/backend/pkg/circuitbreaker"
	"github.com/nsai-detect/backend/pkg/logger"
	"github.com/nsai-detect/backend/pkg/retry"
)

const (
	Scheme         = "neo4j"
	DefaultRuleSet = "default"
)

// Client stores confidence modifier rules as a graph:
// (:RuleSet {name})-[:CONTAINS]->(:ObjectClass)-[:CONFIDENCE_MODIFIER {rule_set, weight, position}]->(:ObjectClass)
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		TripAfter:        5,
		RecoverAfter:     2,
		HalfOpenRequests: 3,
		Cooldown:         20 * time.Second,
		Window:           time.Minute,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		OnRetry:        metrics.RetryHook("neo4j"),
		RetryIf:        neo4j.IsRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// RuleSetName extracts the rule set from a "neo4j://name" source.
func RuleSetName(source string) string {
	name := strings.TrimPrefix(source, Scheme+"://")
	name = strings.Trim(name, "/ ")
	if name == "" {
		return DefaultRuleSet
	}
	return name
}

// LoadRules implements symbolic.RuleEngine.
func (c *Client) LoadRules(ctx context.Context, source string) ([]models.Rule, error) {
	ruleSet := RuleSetName(source)
	var (
		rules  []models.Rule
		exists bool
	)

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		rules = nil
		exists = false

		result, err := session.Run(ctx, `
			OPTIONAL MATCH (s:RuleSet {name: $rule_set})
			OPTIONAL MATCH (a:ObjectClass)-[r:CONFIDENCE_MODIFIER {rule_set: $rule_set}]->(b:ObjectClass)
			RETURN s IS NOT NULL AS has_set, a.name AS class_a, b.name AS class_b, r.weight AS weight
			ORDER BY r.position
		`, map[string]interface{}{"rule_set": ruleSet})
		if err != nil {
			return fmt.Errorf("failed to query rules: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()

			found, _ := record.Get("has_set")
			if b, ok := found.(bool); ok && b {
				exists = true
			}

			classA, _ := record.Get("class_a")
			classB, _ := record.Get("class_b")
			weight, _ := record.Get("weight")
			a, okA := classA.(string)
			b, okB := classB.(string)
			if !okA || !okB {
				continue
			}
			rules = append(rules, models.Rule{ClassA: a, ClassB: b, Weight: toFloat(weight)})
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rule set %s: %w", ruleSet, err)
	}

	if !exists {
		return nil, fmt.Errorf("rule set %s: %w", ruleSet, symbolic.ErrRulesSourceNotFound)
	}

	logger.Debug("Rules loaded from knowledge graph", zap.String("rule_set", ruleSet), zap.Int("rules", len(rules)))
	return rules, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// UpsertClasses merges one ObjectClass node per class map entry.
func (c *Client) UpsertClasses(ctx context.Context, classMap map[int]string) error {
	classes := make([]map[string]interface{}, 0, len(classMap))
	for id, name := range classMap {
		classes = append(classes, map[string]interface{}{"id": int64(id), "name": name})
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			UNWIND $classes AS cls
			MERGE (c:ObjectClass {name: cls.name})
			SET c.class_id = cls.id,
			    c.updated_at = timestamp()
		`, map[string]interface{}{"classes": classes})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert classes: %w", err)
	}

	logger.Debug("Object classes upserted", zap.Int("count", len(classes)))
	return nil
}

// ReplaceRuleSet swaps the contents of a rule set in one transaction,
// preserving the given order.
func (c *Client) ReplaceRuleSet(ctx context.Context, ruleSet string, rules []models.Rule) error {
	rows := make([]map[string]interface{}, len(rules))
	for i, r := range rules {
		rows[i] = map[string]interface{}{
			"class_a":  r.ClassA,
			"class_b":  r.ClassB,
			"weight":   r.Weight,
			"position": int64(i),
		}
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			if _, err := tx.Run(ctx, `
				MATCH ()-[r:CONFIDENCE_MODIFIER {rule_set: $rule_set}]->()
				DELETE r
			`, map[string]interface{}{"rule_set": ruleSet}); err != nil {
				return nil, err
			}

			_, err := tx.Run(ctx, `
				MERGE (s:RuleSet {name: $rule_set})
				SET s.updated_at = timestamp()
				WITH s
				UNWIND $rules AS rule
				MERGE (a:ObjectClass {name: rule.class_a})
				MERGE (b:ObjectClass {name: rule.class_b})
				MERGE (s)-[:CONTAINS]->(a)
				MERGE (s)-[:CONTAINS]->(b)
				CREATE (a)-[:CONFIDENCE_MODIFIER {rule_set: $rule_set, weight: rule.weight, position: rule.position}]->(b)
			`, map[string]interface{}{"rule_set": ruleSet, "rules": rows})
			return nil, err
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replace rule set: %w", err)
	}

	logger.Info("Rule set stored in knowledge graph", zap.String("rule_set", ruleSet), zap.Int("rules", len(rules)))
	return nil
}

func (c *Client) ListRuleSets(ctx context.Context) ([]string, error) {
	var names []string

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		names = nil
		result, err := session.Run(ctx, `MATCH (s:RuleSet) RETURN s.name AS name ORDER BY name`, nil)
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			name, _ := result.Record().Get("name")
			if s, ok := name.(string); ok {
				names = append(names, s)
			}
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sets: %w", err)
	}
	return names, nil
}
