package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		progress TEXT NOT NULL,
		config TEXT NOT NULL,
		error TEXT,
		summary TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS job_images (
		id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		PRIMARY KEY (job_id, id),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_images_job ON job_images(job_id);

	CREATE TABLE IF NOT EXISTS detections (
		id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		seq INTEGER NOT NULL,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence REAL NOT NULL,
		x1 REAL NOT NULL,
		y1 REAL NOT NULL,
		x2 REAL NOT NULL,
		y2 REAL NOT NULL,
		PRIMARY KEY (job_id, image_id, stage, id),
		FOREIGN KEY (job_id, image_id) REFERENCES job_images(job_id, id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_detections_lookup ON detections(job_id, image_id, stage, seq);

	CREATE TABLE IF NOT EXISTS detection_stages (
		job_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		count INTEGER NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, image_id, stage),
		FOREIGN KEY (job_id, image_id) REFERENCES job_images(job_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		action TEXT NOT NULL,
		class_a TEXT NOT NULL,
		class_b TEXT NOT NULL,
		rule_class_a TEXT NOT NULL,
		rule_class_b TEXT NOT NULL,
		weight REAL NOT NULL,
		detection_a TEXT NOT NULL,
		detection_b TEXT NOT NULL,
		affected TEXT NOT NULL,
		before_a REAL NOT NULL,
		after_a REAL NOT NULL,
		before_b REAL NOT NULL,
		after_b REAL NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_job ON adjustments(job_id, image_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) CreateJob(ctx context.Context, images []models.Image, cfg models.JobConfig) (string, error) {
	jobID := uuid.New().String()
	now := c.now()

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job config: %w", err)
	}
	progressJSON, _ := json.Marshal(models.Progress{ImagesTotal: len(images)})
	summaryJSON, _ := json.Marshal(models.JobSummary{})

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, stage, progress, config, summary, created_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?)
	`, jobID, models.StatusUploaded, string(progressJSON), string(configJSON), string(summaryJSON), now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	for i, img := range images {
		if img.ID == "" {
			img.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_images (id, job_id, position, path, name, width, height)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, img.ID, jobID, i, img.Path, img.Name, img.Width, img.Height)
		if err != nil {
			return "", fmt.Errorf("failed to insert image: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job: %w", err)
	}

	logger.Info("Job created", zap.String("job_id", jobID), zap.Int("images", len(images)))
	return jobID, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var (
		job                                      models.Job
		status, stage, progress, config, summary string
		jobErr                                   sql.NullString
		createdAt, updatedAt                     int64
	)

	err := c.db.QueryRowContext(ctx, `
		SELECT id, status, stage, progress, config, error, summary, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(&job.ID, &status, &stage, &progress, &config, &jobErr, &summary, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.Stage = models.Stage(stage)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)

	if err := json.Unmarshal([]byte(progress), &job.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &job.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	if jobErr.Valid && jobErr.String != "" {
		job.Error = &models.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
		}
	}

	job.Images, err = c.getImages(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (c *Client) getImages(ctx context.Context, jobID string) ([]models.Image, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, path, name, width, height FROM job_images
		WHERE job_id = ? ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		var img models.Image
		if err := rows.Scan(&img.ID, &img.Path, &img.Name, &img.Width, &img.Height); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}

	return images, rows.Err()
}

func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx, `SELECT id FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (c *Client) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{c.now().UnixNano()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, string(*update.Stage))
	}
	if update.Progress != nil {
		data, err := json.Marshal(update.Progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		sets = append(sets, "progress = ?")
		args = append(args, string(data))
	}
	if update.Error != nil {
		data, err := json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal job error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(data))
	}
	if update.Summary != nil {
		data, err := json.Marshal(update.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		sets = append(sets, "summary = ?")
		args = append(args, string(data))
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(sets, ", "))

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}

	logger.Debug("Job updated", zap.String("job_id", jobID))
	return nil
}

// ClaimJob moves an uploaded job to status. Only one caller can win: the
// rest get ErrConflict.
func (c *Client) ClaimJob(ctx context.Context, jobID string, status models.JobStatus) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), c.now().UnixNano(), jobID, string(models.StatusUploaded),
	)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if affected == 1 {
		logger.Debug("Job claimed", zap.String("job_id", jobID), zap.String("status", string(status)))
		return nil
	}

	var current string
	err = c.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, current, models.ErrConflict)
}

// SaveDetections stores the detection list of one image and stage. A list
// is written once; later saves return ErrStageSaved.
func (c *Client) SaveDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage, dets []models.Detection) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO detection_stages (job_id, image_id, stage, count, saved_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, imageID, string(stage), len(dets), c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record detection stage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record detection stage: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s/%s/%s: %w", jobID, imageID, stage, models.ErrStageSaved)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (id, job_id, image_id, stage, seq, class_id, class_name, confidence, x1, y1, x2, y2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare detection insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range dets {
		_, err = stmt.ExecContext(ctx, d.ID, jobID, imageID, string(stage), i,
			d.ClassID, d.ClassName, d.Confidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
		if err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detections: %w", err)
	}

	logger.Debug("Detections saved",
		zap.String("job_id", jobID),
		zap.String("image_id", imageID),
		zap.String("stage", string(stage)),
		zap.Int("count", len(dets)),
	)
	return nil
}

func (c *Client) GetDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage) ([]models.Detection, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, image_id, class_id, class_name, confidence, x1, y1, x2, y2
		FROM detections
		WHERE job_id = ? AND image_id = ? AND stage = ?
		ORDER BY seq
	`, jobID, imageID, string(stage))
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	dets := []models.Detection{}
	for rows.Next() {
		d := models.Detection{Stage: stage}
		err := rows.Scan(&d.ID, &d.ImageID, &d.ClassID, &d.ClassName, &d.Confidence,
			&d.Box.X1, &d.Box.Y1, &d.Box.X2, &d.Box.Y2)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		dets = append(dets, d)
	}

	return dets, rows.Err()
}

func (c *Client) SaveExplainabilityReport(ctx context.Context, jobID string, records []models.AdjustmentRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM adjustments WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to clear adjustments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO adjustments (job_id, image_id, action, class_a, class_b, rule_class_a, rule_class_b, weight,
			detection_a, detection_b, affected, before_a, after_a, before_b, after_b, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare adjustment insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		affected, _ := json.Marshal(r.Affected)
		created := r.Created
		if created.IsZero() {
			created = c.now()
		}
		_, err = stmt.ExecContext(ctx, jobID, r.ImageID, string(r.Action), r.ClassA, r.ClassB,
			r.Rule.ClassA, r.Rule.ClassB, r.Rule.Weight, r.DetectionA, r.DetectionB, string(affected),
			r.BeforeA, r.AfterA, r.BeforeB, r.AfterB, created.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert adjustment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit adjustments: %w", err)
	}

	logger.Info("Explainability report saved", zap.String("job_id", jobID), zap.Int("records", len(records)))
	return nil
}

func (c *Client) GetExplainabilityReport(ctx context.Context, jobID string) ([]models.AdjustmentRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT image_id, action, class_a, class_b, rule_class_a, rule_class_b, weight,
			detection_a, detection_b, affected, before_a, after_a, before_b, after_b, created_at
		FROM adjustments WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	records := []models.AdjustmentRecord{}
	for rows.Next() {
		var (
			r        models.AdjustmentRecord
			action   string
			affected string
			created  int64
		)
		err := rows.Scan(&r.ImageID, &action, &r.ClassA, &r.ClassB, &r.Rule.ClassA, &r.Rule.ClassB, &r.Rule.Weight,
			&r.DetectionA, &r.DetectionB, &affected, &r.BeforeA, &r.AfterA, &r.BeforeB, &r.AfterB, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		r.JobID = jobID
		r.Action = models.AdjustmentAction(action)
		r.Created = time.Unix(0, created)
		if err := json.Unmarshal([]byte(affected), &r.Affected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal affected ids: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}
