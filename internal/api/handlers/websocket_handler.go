package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	cache "github.com/nsai-detect/backend/internal/cache/redis"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type JobGetter interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

// WebSocketHandler streams progress snapshots for a single job until it
// reaches a terminal status.
type WebSocketHandler struct {
	store    JobGetter
	progress ProgressReader
	interval time.Duration
}

func NewWebSocketHandler(store JobGetter, progress ProgressReader, interval time.Duration) *WebSocketHandler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &WebSocketHandler{
		store:    store,
		progress: progress,
		interval: interval,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	jobID := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("job_id", jobID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("job_id", jobID))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.stream(ctx, jobID, c.WriteJSON); err != nil {
		logger.Debug("Progress stream ended", zap.String("job_id", jobID), zap.Error(err))
	}
}

// stream polls the job's progress and hands every change to send. It
// returns nil once a terminal snapshot has been sent.
func (h *WebSocketHandler) stream(ctx context.Context, jobID string, send func(interface{}) error) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last *cache.ProgressSnapshot
	for {
		snap, err := h.snapshot(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return send(map[string]interface{}{
				"type":  "error",
				"error": "Job not found",
			})
		}
		if err != nil {
			send(map[string]interface{}{
				"type":  "error",
				"error": "Failed to read progress",
			})
			return err
		}

		if last == nil || changed(*last, *snap) {
			msgType := "progress"
			if snap.Status.Terminal() {
				msgType = "complete"
			}
			if err := send(map[string]interface{}{
				"type":     msgType,
				"progress": snap,
			}); err != nil {
				return err
			}
			last = snap
		}

		if snap.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *WebSocketHandler) snapshot(ctx context.Context, jobID string) (*cache.ProgressSnapshot, error) {
	if h.progress != nil {
		snap, ok, err := h.progress.GetProgress(ctx, jobID)
		if err == nil && ok {
			return snap, nil
		}
	}

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := snapshotOf(job)
	return &snap, nil
}

func changed(a, b cache.ProgressSnapshot) bool {
	return a.Status != b.Status ||
		a.Stage != b.Stage ||
		a.Progress.Percentage != b.Progress.Percentage ||
		a.Progress.ImagesProcessed != b.Progress.ImagesProcessed
}
