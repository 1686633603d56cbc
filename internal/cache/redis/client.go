package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Client struct {
	client      *redis.Client
	progressTTL time.Duration
	rulesTTL    time.Duration
}

// ProgressSnapshot is what pollers read; the latest write wins.
type ProgressSnapshot struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Stage     models.Stage     `json:"stage"`
	Progress  models.Progress  `json:"progress"`
	Error     *models.JobError `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, progressTTL: 24 * time.Hour, rulesTTL: 5 * time.Minute}, nil
}

func (c *Client) WithTTLs(progress, rules time.Duration) *Client {
	if progress > 0 {
		c.progressTTL = progress
	}
	if rules > 0 {
		c.rulesTTL = rules
	}
	return c
}

func (c *Client) Close() error {
	return c.client.Close()
}

func progressKey(jobID string) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

func rulesKey(fingerprint string) string {
	return fmt.Sprintf("rules:%s", fingerprint)
}

func (c *Client) PublishProgress(ctx context.Context, snapshot ProgressSnapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	err = c.client.Set(ctx, progressKey(snapshot.JobID), data, c.progressTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}

	logger.Debug("Progress published",
		zap.String("job_id", snapshot.JobID),
		zap.String("stage", string(snapshot.Stage)),
		zap.Float64("percentage", snapshot.Progress.Percentage),
	)
	return nil
}

func (c *Client) GetProgress(ctx context.Context, jobID string) (*ProgressSnapshot, bool, error) {
	data, err := c.client.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get progress: %w", err)
	}

	var snapshot ProgressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	return &snapshot, true, nil
}

func (c *Client) SetRules(ctx context.Context, fingerprint string, rules []models.Rule) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	err = c.client.Set(ctx, rulesKey(fingerprint), data, c.rulesTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set rules cache: %w", err)
	}

	logger.Debug("Rules cached", zap.String("fingerprint", fingerprint), zap.Int("rules", len(rules)))
	return nil
}

func (c *Client) GetRules(ctx context.Context, fingerprint string) ([]models.Rule, bool, error) {
	data, err := c.client.Get(ctx, rulesKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rules cache: %w", err)
	}

	var rules []models.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	logger.Debug("Rules cache hit", zap.String("fingerprint", fingerprint))
	return rules, true, nil
}

func (c *Client) InvalidateRules(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "rules:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Rules cache invalidated")
	return nil
}
