// Package pipeline drives a job through sliced inference, duplicate
// suppression and symbolic refinement, and runs jobs on a worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	cache "github.com/nsai-detect/backend/internal/cache/redis"
	"github.com/nsai-detect/backend/internal/detector"
	"github.com/nsai-detect/backend/internal/inference"
	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/internal/nms"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/internal/symbolic"
	"github.com/nsai-detect/backend/pkg/logger"
)

// Progress bands per stage, in percent.
const (
	inferenceStart   = 0.0
	inferenceEnd     = 60.0
	suppressionEnd   = 80.0
	symbolicEnd      = 95.0
	completedPercent = 100.0
)

// JobStore persists jobs and their per-stage artifacts.
type JobStore interface {
	CreateJob(ctx context.Context, images []models.Image, cfg models.JobConfig) (string, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// ClaimJob moves an uploaded job to status, or returns
	// models.ErrConflict when another caller already moved it.
	ClaimJob(ctx context.Context, jobID string, status models.JobStatus) error
	UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error
	SaveDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage, dets []models.Detection) error
	GetDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage) ([]models.Detection, error)
	SaveExplainabilityReport(ctx context.Context, jobID string, records []models.AdjustmentRecord) error
}

// ProgressPublisher mirrors progress to fast readers. Failures are logged
// and never affect the job.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, snapshot cache.ProgressSnapshot) error
}

type ImageLoader func(path string) (image.Image, error)

type Options struct {
	// TileConcurrency bounds parallel detector calls per image.
	TileConcurrency int
	Publisher       ProgressPublisher
	LoadImage       ImageLoader
}

type Coordinator struct {
	store     JobStore
	detector  detector.Detector
	refiner   *symbolic.Refiner
	publisher ProgressPublisher
	loadImage ImageLoader
	tiles     int
}

func NewCoordinator(store JobStore, det detector.Detector, refiner *symbolic.Refiner, opts Options) *Coordinator {
	if opts.LoadImage == nil {
		opts.LoadImage = inference.LoadImage
	}
	if refiner == nil {
		refiner = symbolic.NewRefiner(nil)
	}
	return &Coordinator{
		store:     store,
		detector:  det,
		refiner:   refiner,
		publisher: opts.Publisher,
		loadImage: opts.LoadImage,
		tiles:     opts.TileConcurrency,
	}
}

// jobRun is the mutable state of one Run call. Only the worker running the
// job touches it.
type jobRun struct {
	job     *models.Job
	summary models.JobSummary
	started time.Time
	raw     map[string][]models.Detection
	nms     map[string][]models.Detection
	healthy []models.Image
}

func (r *jobRun) warn(msg string) {
	r.summary.Warnings = append(r.summary.Warnings, msg)
}

// Run processes a job to a terminal state. Precondition failures return
// ErrJobNotFound, ErrNoImages or ErrInvalidState without touching the job.
// Every other returned error has already been recorded on the job.
func (c *Coordinator) Run(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return &JobStoreError{Op: "get_job", Err: err}
	}
	if len(job.Images) == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrNoImages)
	}
	if job.Status != models.StatusUploaded {
		return fmt.Errorf("%s is %s: %w", jobID, job.Status, ErrInvalidState)
	}

	run := &jobRun{
		job:     job,
		started: time.Now(),
		raw:     make(map[string][]models.Detection),
		nms:     make(map[string][]models.Detection),
		summary: models.JobSummary{
			Stages:     make(map[models.Stage]models.StageSummary),
			Detections: make(map[models.DetectionStage]int),
		},
	}

	log := logger.With(zap.String("job_id", jobID))

	cfgErr := ValidateConfig(job.Config)
	claimed := models.StatusProcessing
	if cfgErr != nil {
		claimed = models.StatusFailed
	}
	if err := c.store.ClaimJob(ctx, jobID, claimed); err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			return fmt.Errorf("%s was claimed by another worker: %w", jobID, ErrInvalidState)
		case errors.Is(err, models.ErrNotFound):
			return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
		default:
			return &JobStoreError{Op: "claim_job", Err: err}
		}
	}
	job.Status = claimed

	if cfgErr != nil {
		log.Warn("Job configuration rejected", zap.Error(cfgErr))
		c.fail(ctx, run, models.StageNone, CodeConfiguration, cfgErr)
		return cfgErr
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	log.Info("Job started", zap.Int("images", len(job.Images)))

	stages := []struct {
		stage models.Stage
		fn    func(context.Context, *jobRun) error
	}{
		{models.StageSlicingInference, c.runInference},
		{models.StageDuplicateSuppression, c.runSuppression},
		{models.StageSymbolicReasoning, c.runSymbolic},
	}

	for _, s := range stages {
		stageStart := time.Now()
		if err := s.fn(ctx, run); err != nil {
			log.Error("Job failed", zap.String("stage", string(s.stage)), zap.Error(err))
			c.fail(ctx, run, s.stage, errorCode(err), err)
			return err
		}
		metrics.StageDuration.WithLabelValues(string(s.stage)).Observe(time.Since(stageStart).Seconds())
	}

	if err := c.complete(ctx, run); err != nil {
		log.Error("Failed to mark job completed", zap.Error(err))
		c.fail(ctx, run, models.StageNone, CodeJobStore, err)
		return err
	}

	log.Info("Job completed",
		zap.Int("failed_images", len(run.summary.FailedImages)),
		zap.Int("adjustments", run.summary.Adjustments),
		zap.Int("warnings", len(run.summary.Warnings)),
		zap.Duration("elapsed", time.Since(run.started)),
	)
	return nil
}

func errorCode(err error) string {
	var (
		cfgErr   *ConfigurationError
		storeErr *JobStoreError
		detErr   *detector.DetectorError
	)
	switch {
	case errors.As(err, &cfgErr):
		return CodeConfiguration
	case errors.As(err, &storeErr):
		return CodeJobStore
	case errors.As(err, &detErr):
		return CodeDetector
	default:
		return CodeInternal
	}
}

func (c *Coordinator) runInference(ctx context.Context, run *jobRun) error {
	job := run.job
	total := len(job.Images)
	stageStart := time.Now()

	processing := models.StatusProcessing
	if err := c.advance(ctx, run, &processing, models.StageSlicingInference, inferenceStart, 0, "slicing images"); err != nil {
		return err
	}

	engine, err := inference.NewEngine(c.detector, inference.Options{
		SliceWidth:   job.Config.SliceWidth,
		SliceHeight:  job.Config.SliceHeight,
		OverlapRatio: job.Config.OverlapRatio,
		Params: detector.Params{
			ConfidenceThreshold: job.Config.ConfidenceThreshold,
			IoUThreshold:        job.Config.IoUThreshold,
			DeviceHint:          job.Config.DeviceHint,
		},
		Concurrency: c.tiles,
		ClassMap:    classMap(job.Config),
	})
	if err != nil {
		return &ConfigurationError{Field: "detector", Reason: err.Error()}
	}

	var (
		stats   models.StageSummary
		lastErr error
	)
	for i, img := range job.Images {
		dets, err := c.inferImage(ctx, engine, img)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			stats.Failed++
			run.summary.FailedImages = append(run.summary.FailedImages, img.ID)
			run.warn(fmt.Sprintf("image %s failed inference: %v", img.ID, err))
			metrics.ImagesProcessed.WithLabelValues(string(models.StageSlicingInference), "failed").Inc()
			logger.Warn("Image failed inference",
				zap.String("job_id", job.ID),
				zap.String("image_id", img.ID),
				zap.Error(err),
			)
		} else {
			if err := c.store.SaveDetections(ctx, job.ID, img.ID, models.DetectionsRaw, dets); err != nil {
				return &JobStoreError{Op: "save_detections", Err: err}
			}
			run.raw[img.ID] = dets
			run.healthy = append(run.healthy, img)
			stats.Processed++
			stats.DetectionsOut += len(dets)
			metrics.ImagesProcessed.WithLabelValues(string(models.StageSlicingInference), "ok").Inc()
		}

		pct := inferenceStart + (inferenceEnd-inferenceStart)*float64(i+1)/float64(total)
		if err := c.advance(ctx, run, nil, models.StageSlicingInference, pct, i+1, fmt.Sprintf("inferred %d/%d images", i+1, total)); err != nil {
			return err
		}
	}

	stats.ElapsedMS = time.Since(stageStart).Milliseconds()
	run.summary.Stages[models.StageSlicingInference] = stats
	run.summary.Detections[models.DetectionsRaw] = stats.DetectionsOut
	metrics.DetectionsTotal.WithLabelValues(string(models.DetectionsRaw)).Add(float64(stats.DetectionsOut))

	if len(run.healthy) == 0 {
		var detErr *detector.DetectorError
		if errors.As(lastErr, &detErr) {
			return detErr
		}
		return &detector.DetectorError{Err: fmt.Errorf("all %d images failed inference: %w", total, lastErr)}
	}
	return nil
}

func (c *Coordinator) inferImage(ctx context.Context, engine *inference.Engine, img models.Image) ([]models.Detection, error) {
	pixels, err := c.loadImage(img.Path)
	if err != nil {
		return nil, &detector.DetectorError{ImageID: img.ID, Err: err}
	}
	result, err := engine.DetectImage(ctx, pixels, img.ID)
	if err != nil {
		return nil, err
	}
	if result.FailedTiles > 0 {
		logger.Debug("Image had failed tiles",
			zap.String("image_id", img.ID),
			zap.Int("failed_tiles", result.FailedTiles),
			zap.Int("tiles", result.Tiles),
		)
	}
	return result.Detections, nil
}

func (c *Coordinator) runSuppression(ctx context.Context, run *jobRun) error {
	job := run.job
	total := len(run.healthy)
	stageStart := time.Now()

	if err := c.advance(ctx, run, nil, models.StageDuplicateSuppression, inferenceEnd, 0, "suppressing duplicates"); err != nil {
		return err
	}

	var stats models.StageSummary
	for i, img := range run.healthy {
		raw := run.raw[img.ID]
		kept, nmsStats := nms.Suppress(raw, job.Config.IoUThreshold)
		if err := c.store.SaveDetections(ctx, job.ID, img.ID, models.DetectionsNMS, kept); err != nil {
			return &JobStoreError{Op: "save_detections", Err: err}
		}
		run.nms[img.ID] = kept

		stats.Processed++
		stats.DetectionsIn += nmsStats.Before
		stats.DetectionsOut += nmsStats.After
		metrics.ImagesProcessed.WithLabelValues(string(models.StageDuplicateSuppression), "ok").Inc()
		if nmsStats.Before > 0 {
			metrics.NMSReduction.Observe(nmsStats.ReductionPct / 100)
		}
		if nmsStats.Dropped > 0 {
			run.warn(fmt.Sprintf("image %s: %d malformed detections dropped", img.ID, nmsStats.Dropped))
		}

		pct := inferenceEnd + (suppressionEnd-inferenceEnd)*float64(i+1)/float64(total)
		if err := c.advance(ctx, run, nil, models.StageDuplicateSuppression, pct, i+1, fmt.Sprintf("suppressed %d/%d images", i+1, total)); err != nil {
			return err
		}
	}

	stats.ElapsedMS = time.Since(stageStart).Milliseconds()
	run.summary.Stages[models.StageDuplicateSuppression] = stats
	run.summary.Detections[models.DetectionsNMS] = stats.DetectionsOut
	metrics.DetectionsTotal.WithLabelValues(string(models.DetectionsNMS)).Add(float64(stats.DetectionsOut))
	return nil
}

// runSymbolic always writes a refined artifact per healthy image. When the
// stage is skipped or the rule engine fails, that artifact is the NMS
// output retagged.
func (c *Coordinator) runSymbolic(ctx context.Context, run *jobRun) error {
	job := run.job
	total := len(run.healthy)
	stageStart := time.Now()

	if err := c.advance(ctx, run, nil, models.StageSymbolicReasoning, suppressionEnd, 0, "applying symbolic rules"); err != nil {
		return err
	}

	prep, err := c.refiner.Prepare(ctx, job.Config.SymbolicReasoning)
	if err != nil {
		logger.Error("Symbolic reasoning failed, falling back to NMS output",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		run.warn(fmt.Sprintf("symbolic reasoning failed, NMS output used as final: %v", err))
		metrics.SymbolicFallbacks.WithLabelValues("engine_error").Inc()
		prep = &symbolic.Preparation{Skip: symbolic.SkipEngineUnavailable}
	} else {
		for _, w := range prep.Warnings {
			run.warn(w)
		}
		if prep.Skip != symbolic.SkipNone && prep.Skip != symbolic.SkipDisabled {
			metrics.SymbolicFallbacks.WithLabelValues(string(prep.Skip)).Inc()
		}
	}
	run.summary.RulesLoaded = prep.Rules.Len()

	var (
		stats   models.StageSummary
		records []models.AdjustmentRecord
	)
	for i, img := range run.healthy {
		in := run.nms[img.ID]

		var refined []models.Detection
		if prep.Skip != symbolic.SkipNone {
			refined = symbolic.Passthrough(in)
		} else {
			var imgRecords []models.AdjustmentRecord
			refined, imgRecords = c.refiner.Refine(job.ID, img.ID, in, prep.Rules)
			records = append(records, imgRecords...)
		}

		if err := c.store.SaveDetections(ctx, job.ID, img.ID, models.DetectionsRefined, refined); err != nil {
			return &JobStoreError{Op: "save_detections", Err: err}
		}

		stats.Processed++
		stats.DetectionsIn += len(in)
		stats.DetectionsOut += len(refined)
		metrics.ImagesProcessed.WithLabelValues(string(models.StageSymbolicReasoning), "ok").Inc()

		pct := suppressionEnd + (symbolicEnd-suppressionEnd)*float64(i+1)/float64(total)
		if err := c.advance(ctx, run, nil, models.StageSymbolicReasoning, pct, i+1, fmt.Sprintf("refined %d/%d images", i+1, total)); err != nil {
			return err
		}
	}

	if err := c.store.SaveExplainabilityReport(ctx, job.ID, records); err != nil {
		return &JobStoreError{Op: "save_explainability_report", Err: err}
	}

	for _, rec := range records {
		metrics.SymbolicAdjustments.WithLabelValues(string(rec.Action)).Inc()
	}

	stats.ElapsedMS = time.Since(stageStart).Milliseconds()
	run.summary.Stages[models.StageSymbolicReasoning] = stats
	run.summary.Detections[models.DetectionsRefined] = stats.DetectionsOut
	run.summary.Adjustments = len(records)
	metrics.DetectionsTotal.WithLabelValues(string(models.DetectionsRefined)).Add(float64(stats.DetectionsOut))
	return nil
}

func (c *Coordinator) advance(ctx context.Context, run *jobRun, status *models.JobStatus, stage models.Stage, pct float64, done int, msg string) error {
	progress := models.Progress{
		Stage:           stage,
		Percentage:      pct,
		ImagesProcessed: done,
		ImagesTotal:     len(run.job.Images),
		Message:         msg,
	}
	update := models.JobUpdate{Status: status, Stage: &stage, Progress: &progress}
	if err := c.store.UpdateJob(ctx, run.job.ID, update); err != nil {
		return &JobStoreError{Op: "update_job", Err: err}
	}

	if status != nil {
		run.job.Status = *status
	}
	run.job.Stage = stage
	run.job.Progress = progress
	c.publish(ctx, run.job)
	return nil
}

func (c *Coordinator) complete(ctx context.Context, run *jobRun) error {
	status := models.StatusCompleted
	stage := models.StageNone
	progress := models.Progress{
		Stage:           models.StageNone,
		Percentage:      completedPercent,
		ImagesProcessed: len(run.job.Images),
		ImagesTotal:     len(run.job.Images),
		Message:         "completed",
	}
	summary := run.summary

	err := c.store.UpdateJob(ctx, run.job.ID, models.JobUpdate{
		Status:   &status,
		Stage:    &stage,
		Progress: &progress,
		Summary:  &summary,
	})
	if err != nil {
		return &JobStoreError{Op: "update_job", Err: err}
	}

	run.job.Status = status
	run.job.Stage = stage
	run.job.Progress = progress
	run.job.Summary = summary
	c.publish(ctx, run.job)

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(time.Since(run.started).Seconds())
	return nil
}

// fail records err on the job. Store failures here are only logged: the
// caller already returns err.
func (c *Coordinator) fail(ctx context.Context, run *jobRun, stage models.Stage, code string, err error) {
	status := models.StatusFailed
	jobErr := &models.JobError{Code: code, Message: err.Error(), Stage: stage}
	summary := run.summary
	progress := run.job.Progress
	progress.Message = "failed"

	update := models.JobUpdate{
		Status:   &status,
		Stage:    &stage,
		Progress: &progress,
		Error:    jobErr,
		Summary:  &summary,
	}
	if uerr := c.store.UpdateJob(context.WithoutCancel(ctx), run.job.ID, update); uerr != nil {
		logger.Error("Failed to record job failure",
			zap.String("job_id", run.job.ID),
			zap.NamedError("cause", err),
			zap.Error(uerr),
		)
	}

	run.job.Status = status
	run.job.Stage = stage
	run.job.Progress = progress
	run.job.Error = jobErr
	c.publish(ctx, run.job)

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(time.Since(run.started).Seconds())
}

func (c *Coordinator) publish(ctx context.Context, job *models.Job) {
	if c.publisher == nil {
		return
	}
	snapshot := cache.ProgressSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		Stage:     job.Stage,
		Progress:  job.Progress,
		Error:     job.Error,
		UpdatedAt: time.Now(),
	}
	if err := c.publisher.PublishProgress(context.WithoutCancel(ctx), snapshot); err != nil {
		logger.Warn("Failed to publish progress", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func classMap(cfg models.JobConfig) map[int]string {
	if len(cfg.ClassMap) > 0 {
		return cfg.ClassMap
	}
	return models.DefaultClassMap
}
