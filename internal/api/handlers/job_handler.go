package handlers

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/artifact"
	cache "github.com/nsai-detect/backend/internal/cache/redis"
	"github.com/nsai-detect/backend/internal/inference"
	"github.com/nsai-detect/backend/internal/ingestion"
	"github.com/nsai-detect/backend/internal/middleware/validation"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/internal/visualize"
	"github.com/nsai-detect/backend/pkg/logger"
)

type JobStore interface {
	CreateJob(ctx context.Context, images []models.Image, cfg models.JobConfig) (string, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	GetDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage) ([]models.Detection, error)
	GetExplainabilityReport(ctx context.Context, jobID string) ([]models.AdjustmentRecord, error)
}

type Submitter interface {
	Submit(jobID string) error
}

// ProgressReader serves progress without touching the job store.
type ProgressReader interface {
	GetProgress(ctx context.Context, jobID string) (*cache.ProgressSnapshot, bool, error)
}

type JobHandler struct {
	store     JobStore
	pool      Submitter
	ingest    *ingestion.Processor
	progress  ProgressReader
	defaults  models.JobConfig
	uploadDir string
	loadImage pipeline.ImageLoader
}

type JobHandlerConfig struct {
	Defaults  models.JobConfig
	UploadDir string
	Progress  ProgressReader
	LoadImage pipeline.ImageLoader
}

func NewJobHandler(store JobStore, pool Submitter, ingest *ingestion.Processor, cfg JobHandlerConfig) *JobHandler {
	if cfg.LoadImage == nil {
		cfg.LoadImage = inference.LoadImage
	}
	return &JobHandler{
		store:     store,
		pool:      pool,
		ingest:    ingest,
		progress:  cfg.Progress,
		defaults:  cfg.Defaults,
		uploadDir: cfg.UploadDir,
		loadImage: cfg.LoadImage,
	}
}

// ApplyOverrides returns defaults with every non-nil request field applied.
func ApplyOverrides(defaults models.JobConfig, req *validation.JobRequest) models.JobConfig {
	cfg := defaults
	if req.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.IoUThreshold != nil {
		cfg.IoUThreshold = *req.IoUThreshold
	}
	if req.SliceWidth != nil {
		cfg.SliceWidth = *req.SliceWidth
	}
	if req.SliceHeight != nil {
		cfg.SliceHeight = *req.SliceHeight
	}
	if req.OverlapRatio != nil {
		cfg.OverlapRatio = *req.OverlapRatio
	}
	if req.DeviceHint != nil {
		cfg.DeviceHint = *req.DeviceHint
	}
	if s := req.SymbolicReasoning; s != nil {
		if s.Enabled != nil {
			cfg.SymbolicReasoning.Enabled = *s.Enabled
		}
		if s.RulesSource != nil {
			cfg.SymbolicReasoning.RulesSource = *s.RulesSource
		}
	}
	return cfg
}

func (h *JobHandler) UploadImages(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Multipart form with files is required",
		})
	}

	files := form.File["files"]
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No files uploaded",
		})
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Failed to read upload"})
		}
		path, err := h.ingest.SaveUpload(h.uploadDir, fh.Filename, f)
		f.Close()
		if err != nil {
			logger.Warn("Upload rejected", zap.String("file", fh.Filename), zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		paths = append(paths, path)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"paths": paths,
	})
}

func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.LocalsKey).(*validation.JobRequest)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	cfg := ApplyOverrides(h.defaults, req)
	if err := pipeline.ValidateConfig(cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	images, err := h.ingest.RegisterImages(c.Context(), req.Images)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	jobID, err := h.store.CreateJob(c.Context(), images, cfg)
	if err != nil {
		logger.Error("Failed to create job", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create job",
		})
	}

	resp := fiber.Map{
		"job_id": jobID,
		"status": models.StatusUploaded,
		"images": len(images),
	}

	if req.Start == nil || *req.Start {
		if err := h.pool.Submit(jobID); err != nil {
			logger.Warn("Job created but not queued", zap.String("job_id", jobID), zap.Error(err))
			resp["error"] = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		resp["queued"] = true
	}

	logger.Info("Job created", zap.String("job_id", jobID), zap.Int("images", len(images)))
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *JobHandler) RunJob(c *fiber.Ctx) error {
	job, ok, err := h.getJob(c)
	if !ok {
		return err
	}
	if job.Status != models.StatusUploaded {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Job is " + string(job.Status),
		})
	}

	if err := h.pool.Submit(job.ID); err != nil {
		status := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrJobQueued):
			status = fiber.StatusConflict
		case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrPoolClosed):
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"queued": true,
	})
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	jobs, err := h.store.ListJobs(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list jobs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list jobs",
		})
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, ok, err := h.getJob(c)
	if !ok {
		return err
	}
	return c.JSON(job)
}

// GetProgress prefers the cached snapshot and falls back to the store.
func (h *JobHandler) GetProgress(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if h.progress != nil {
		snap, ok, err := h.progress.GetProgress(c.Context(), jobID)
		if err != nil {
			logger.Warn("Progress cache read failed", zap.String("job_id", jobID), zap.Error(err))
		} else if ok {
			return c.JSON(snap)
		}
	}

	job, ok, err := h.getJob(c)
	if !ok {
		return err
	}
	return c.JSON(snapshotOf(job))
}

func (h *JobHandler) GetDetections(c *fiber.Ctx) error {
	ref, ok, err := h.imageStage(c)
	if !ok {
		return err
	}
	job, img, stage := ref.job, ref.image, ref.stage

	dets, err := h.store.GetDetections(c.Context(), job.ID, img.ID, stage)
	if err != nil {
		logger.Error("Failed to load detections", zap.String("job_id", job.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load detections",
		})
	}

	if c.Query("format") == "yolo" {
		var buf bytes.Buffer
		if err := artifact.WriteDetections(&buf, dets, img.Width, img.Height); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Send(buf.Bytes())
	}

	if dets == nil {
		dets = []models.Detection{}
	}
	return c.JSON(fiber.Map{
		"job_id":     job.ID,
		"image_id":   img.ID,
		"stage":      stage,
		"detections": dets,
	})
}

func (h *JobHandler) GetAnnotated(c *fiber.Ctx) error {
	ref, ok, err := h.imageStage(c)
	if !ok {
		return err
	}
	job, img, stage := ref.job, ref.image, ref.stage

	dets, err := h.store.GetDetections(c.Context(), job.ID, img.ID, stage)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load detections"})
	}

	pixels, err := h.loadImage(img.Path)
	if err != nil {
		logger.Warn("Failed to open image for annotation", zap.String("image_id", img.ID), zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Image not available"})
	}

	annotated := visualize.Annotate(pixels, dets, visualize.Options{
		MinConfidence: c.QueryFloat("min_confidence", 0),
	})

	var buf bytes.Buffer
	if err := visualize.WritePNG(&buf, annotated); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(buf.Bytes())
}

func (h *JobHandler) GetReport(c *fiber.Ctx) error {
	job, ok, err := h.getJob(c)
	if !ok {
		return err
	}

	records, err := h.store.GetExplainabilityReport(c.Context(), job.ID)
	if err != nil {
		logger.Error("Failed to load report", zap.String("job_id", job.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load report",
		})
	}

	if c.Query("format", "csv") == "json" {
		if records == nil {
			records = []models.AdjustmentRecord{}
		}
		return c.JSON(fiber.Map{"job_id": job.ID, "adjustments": records})
	}

	var buf bytes.Buffer
	if err := artifact.WriteReportCSV(&buf, records); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+job.ID+`_explainability.csv"`)
	return c.Send(buf.Bytes())
}

// getJob loads the job named by the :id param. When ok is false the error
// response has already been written and err is the result of writing it.
func (h *JobHandler) getJob(c *fiber.Ctx) (job *models.Job, ok bool, err error) {
	job, err = h.store.GetJob(c.Context(), c.Params("id"))
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Job not found"})
	}
	if err != nil {
		logger.Error("Failed to load job", zap.String("job_id", c.Params("id")), zap.Error(err))
		return nil, false, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load job"})
	}
	return job, true, nil
}

type imageRef struct {
	job   *models.Job
	image models.Image
	stage models.DetectionStage
}

func (h *JobHandler) imageStage(c *fiber.Ctx) (imageRef, bool, error) {
	job, ok, err := h.getJob(c)
	if !ok {
		return imageRef{}, false, err
	}

	stage, valid := models.ParseDetectionStage(c.Query("stage", string(models.DetectionsRefined)))
	if !valid {
		return imageRef{}, false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown stage"})
	}

	imageID := c.Params("imageId")
	for _, img := range job.Images {
		if img.ID == imageID {
			return imageRef{job: job, image: img, stage: stage}, true, nil
		}
	}
	return imageRef{}, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Image not found"})
}

func snapshotOf(job *models.Job) cache.ProgressSnapshot {
	return cache.ProgressSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		Stage:     job.Stage,
		Progress:  job.Progress,
		Error:     job.Error,
		UpdatedAt: job.UpdatedAt,
	}
}

func (h *JobHandler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}
