package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/nsai-detect/backend/internal/cache/redis"
	"github.com/nsai-detect/backend/internal/geometry"
	"github.com/nsai-detect/backend/internal/ingestion"
	"github.com/nsai-detect/backend/internal/middleware/validation"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/internal/storage/models"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	dets    map[string][]models.Detection
	reports map[string][]models.AdjustmentRecord
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]*models.Job),
		dets:    make(map[string][]models.Detection),
		reports: make(map[string][]models.AdjustmentRecord),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, images []models.Image, cfg models.JobConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("job-%d", s.nextID)
	s.jobs[id] = &models.Job{ID: id, Status: models.StatusUploaded, Images: images, Config: cfg}
	return id, nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) ListJobs(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *fakeStore) GetDetections(_ context.Context, jobID, imageID string, stage models.DetectionStage) ([]models.Detection, error) {
	return s.dets[jobID+"/"+imageID+"/"+string(stage)], nil
}

func (s *fakeStore) GetExplainabilityReport(_ context.Context, jobID string) ([]models.AdjustmentRecord, error) {
	return s.reports[jobID], nil
}

func (s *fakeStore) setStatus(jobID string, status models.JobStatus, pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = status
	s.jobs[jobID].Progress.Percentage = pct
}

type fakeSubmitter struct {
	err       error
	submitted []string
}

func (f *fakeSubmitter) Submit(jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, jobID)
	return nil
}

type fakeProgress struct {
	snap *cache.ProgressSnapshot
	err  error
}

func (f *fakeProgress) GetProgress(_ context.Context, _ string) (*cache.ProgressSnapshot, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.snap, f.snap != nil, nil
}

type harness struct {
	app   *fiber.App
	store *fakeStore
	pool  *fakeSubmitter
	dir   string
}

func newHarness(t *testing.T, progress ProgressReader) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		pool:  &fakeSubmitter{},
		dir:   t.TempDir(),
	}

	handler := NewJobHandler(h.store, h.pool, ingestion.NewProcessor(nil, 4), JobHandlerConfig{
		Defaults: models.JobConfig{
			ConfidenceThreshold: 0.25,
			IoUThreshold:        0.5,
			SliceWidth:          512,
			SliceHeight:         512,
			OverlapRatio:        0.2,
		},
		UploadDir: filepath.Join(h.dir, "uploads"),
		Progress:  progress,
	})

	app := fiber.New()
	app.Use(validation.Middleware(validation.Config{MaxImages: 4}))
	RegisterRoutes(app, handler)
	h.app = app
	return h
}

func (h *harness) writeImage(t *testing.T, name string, w, ht int) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	img := imaging.New(w, ht, color.NRGBA{R: 40, G: 80, B: 120, A: 255})
	require.NoError(t, imaging.Save(img, path))
	return path
}

func (h *harness) do(t *testing.T, method, path, contentType string, body io.Reader) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *harness) createJob(t *testing.T, body string) (int, map[string]interface{}) {
	t.Helper()
	status, data := h.do(t, "POST", "/api/v1/jobs", "application/json", strings.NewReader(body))
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return status, out
}

func TestCreateJobQueuesByDefault(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeImage(t, "scene.png", 64, 48)

	status, out := h.createJob(t, fmt.Sprintf(`{"images":[%q],"confidence_threshold":0.4}`, path))
	require.Equal(t, fiber.StatusCreated, status)

	jobID := out["job_id"].(string)
	assert.Equal(t, []string{jobID}, h.pool.submitted)

	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, job.Config.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.5, job.Config.IoUThreshold, 1e-9)
	require.Len(t, job.Images, 1)
	assert.Equal(t, 64, job.Images[0].Width)
	assert.Equal(t, 48, job.Images[0].Height)
}

func TestCreateJobWithoutStart(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeImage(t, "scene.png", 32, 32)

	status, out := h.createJob(t, fmt.Sprintf(`{"images":[%q],"start":false}`, path))
	require.Equal(t, fiber.StatusCreated, status)
	assert.Empty(t, h.pool.submitted)

	jobID := out["job_id"].(string)
	code, _ := h.do(t, "POST", "/api/v1/jobs/"+jobID+"/run", "", nil)
	assert.Equal(t, fiber.StatusAccepted, code)
	assert.Equal(t, []string{jobID}, h.pool.submitted)
}

func TestCreateJobQueueFull(t *testing.T) {
	h := newHarness(t, nil)
	h.pool.err = pipeline.ErrQueueFull
	path := h.writeImage(t, "scene.png", 32, 32)

	status, out := h.createJob(t, fmt.Sprintf(`{"images":[%q]}`, path))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.NotEmpty(t, out["job_id"])
}

func TestCreateJobRejectsMissingImage(t *testing.T) {
	h := newHarness(t, nil)
	status, _ := h.createJob(t, `{"images":["/nowhere/missing.png"]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Empty(t, h.store.jobs)
}

func TestApplyOverrides(t *testing.T) {
	conf := 0.6
	width := 1024
	enabled := true
	source := "rules.pl"
	defaults := models.JobConfig{ConfidenceThreshold: 0.25, SliceWidth: 512, SliceHeight: 512}

	cfg := ApplyOverrides(defaults, &validation.JobRequest{
		ConfidenceThreshold: &conf,
		SliceWidth:          &width,
		SymbolicReasoning: &validation.SymbolicOverride{
			Enabled:     &enabled,
			RulesSource: &source,
		},
	})

	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 1024, cfg.SliceWidth)
	assert.Equal(t, 512, cfg.SliceHeight)
	assert.True(t, cfg.SymbolicReasoning.Enabled)
	assert.Equal(t, "rules.pl", cfg.SymbolicReasoning.RulesSource)
	assert.InDelta(t, 0.25, defaults.ConfidenceThreshold, 1e-9)
}

func TestRunJobConflict(t *testing.T) {
	h := newHarness(t, nil)
	jobID, _ := h.store.CreateJob(context.Background(), nil, models.JobConfig{})
	h.store.setStatus(jobID, models.StatusProcessing, 30)

	code, _ := h.do(t, "POST", "/api/v1/jobs/"+jobID+"/run", "", nil)
	assert.Equal(t, fiber.StatusConflict, code)
}

func TestRunJobAlreadyQueued(t *testing.T) {
	h := newHarness(t, nil)
	jobID, _ := h.store.CreateJob(context.Background(), nil, models.JobConfig{})
	h.pool.err = fmt.Errorf("%s: %w", jobID, pipeline.ErrJobQueued)

	code, _ := h.do(t, "POST", "/api/v1/jobs/"+jobID+"/run", "", nil)
	assert.Equal(t, fiber.StatusConflict, code)
}

func TestGetJobNotFound(t *testing.T) {
	h := newHarness(t, nil)
	code, _ := h.do(t, "GET", "/api/v1/jobs/missing", "", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestListJobs(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		_, _ = h.store.CreateJob(context.Background(), nil, models.JobConfig{})
	}

	code, data := h.do(t, "GET", "/api/v1/jobs?limit=2", "", nil)
	require.Equal(t, fiber.StatusOK, code)

	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Len(t, out.Jobs, 2)
}

func TestGetProgressPrefersCache(t *testing.T) {
	progress := &fakeProgress{}
	h := newHarness(t, progress)
	jobID, _ := h.store.CreateJob(context.Background(), nil, models.JobConfig{})
	h.store.setStatus(jobID, models.StatusProcessing, 10)

	var snap cache.ProgressSnapshot
	code, data := h.do(t, "GET", "/api/v1/jobs/"+jobID+"/progress", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.InDelta(t, 10, snap.Progress.Percentage, 1e-9)

	progress.snap = &cache.ProgressSnapshot{
		JobID:    jobID,
		Status:   models.StatusProcessing,
		Stage:    models.StageDuplicateSuppression,
		Progress: models.Progress{Percentage: 70},
	}
	_, data = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/progress", "", nil)
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.InDelta(t, 70, snap.Progress.Percentage, 1e-9)
	assert.Equal(t, models.StageDuplicateSuppression, snap.Stage)
}

func seedDetections(t *testing.T, h *harness) (string, models.Image) {
	t.Helper()
	path := h.writeImage(t, "scene.png", 100, 100)
	img := models.Image{ID: "img-1", Path: path, Name: "scene.png", Width: 100, Height: 100}
	jobID, _ := h.store.CreateJob(context.Background(), []models.Image{img}, models.JobConfig{})
	h.store.dets[jobID+"/img-1/refined"] = []models.Detection{{
		ID:         "d1",
		ImageID:    "img-1",
		ClassID:    1,
		ClassName:  "ship",
		Confidence: 0.75,
		Box:        geometry.Box{X1: 10, Y1: 20, X2: 30, Y2: 60},
		Stage:      models.DetectionsRefined,
	}}
	return jobID, img
}

func TestGetDetectionsFormats(t *testing.T) {
	h := newHarness(t, nil)
	jobID, _ := seedDetections(t, h)

	code, data := h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/img-1/detections", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	var out struct {
		Stage      models.DetectionStage `json:"stage"`
		Detections []models.Detection    `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, models.DetectionsRefined, out.Stage)
	require.Len(t, out.Detections, 1)

	code, data = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/img-1/detections?format=yolo", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "1 0.200000 0.400000 0.200000 0.400000 0.750000\n", string(data))

	code, data = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/img-1/detections?stage=raw", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Empty(t, out.Detections)

	code, _ = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/img-1/detections?stage=bogus", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/nope/detections", "", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestGetAnnotatedReturnsPNG(t *testing.T) {
	h := newHarness(t, nil)
	jobID, _ := seedDetections(t, h)

	code, data := h.do(t, "GET", "/api/v1/jobs/"+jobID+"/images/img-1/annotated", "", nil)
	require.Equal(t, fiber.StatusOK, code)

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, img.Bounds().Dx())
}

func TestGetReport(t *testing.T) {
	h := newHarness(t, nil)
	jobID, _ := h.store.CreateJob(context.Background(), nil, models.JobConfig{})
	h.store.reports[jobID] = []models.AdjustmentRecord{{
		JobID:      jobID,
		ImageID:    "img-1",
		Action:     models.ActionBoost,
		Rule:       models.Rule{ClassA: "ship", ClassB: "harbor", Weight: 1.25},
		DetectionA: "d1",
		DetectionB: "d2",
		ClassA:     "ship",
		ClassB:     "harbor",
		Affected:   []string{"d1", "d2"},
		BeforeA:    0.6,
		AfterA:     0.75,
		BeforeB:    0.5,
		AfterB:     0.625,
		Created:    time.Now(),
	}}

	code, data := h.do(t, "GET", "/api/v1/jobs/"+jobID+"/report", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2, "header and one row for the boost")

	code, data = h.do(t, "GET", "/api/v1/jobs/"+jobID+"/report?format=json", "", nil)
	require.Equal(t, fiber.StatusOK, code)
	var out struct {
		Adjustments []models.AdjustmentRecord `json:"adjustments"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Adjustments, 1)
	assert.Equal(t, models.ActionBoost, out.Adjustments[0].Action)
}

func TestUploadImages(t *testing.T) {
	h := newHarness(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "tile.png")
	require.NoError(t, err)
	require.NoError(t, imaging.Encode(part, imaging.New(8, 8, color.White), imaging.PNG))
	require.NoError(t, mw.Close())

	code, data := h.do(t, "POST", "/api/v1/uploads", mw.FormDataContentType(), &body)
	require.Equal(t, fiber.StatusCreated, code, string(data))

	var out struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Paths, 1)
	assert.FileExists(t, out.Paths[0])
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	h := newHarness(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	code, _ := h.do(t, "POST", "/api/v1/uploads", mw.FormDataContentType(), &body)
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestStreamStopsAtTerminalStatus(t *testing.T) {
	store := newFakeStore()
	jobID, _ := store.CreateJob(context.Background(), nil, models.JobConfig{})
	store.setStatus(jobID, models.StatusProcessing, 20)

	ws := NewWebSocketHandler(store, nil, time.Millisecond)

	var msgs []map[string]interface{}
	send := func(v interface{}) error {
		msg := v.(map[string]interface{})
		msgs = append(msgs, msg)
		if len(msgs) == 1 {
			store.setStatus(jobID, models.StatusCompleted, 100)
		}
		return nil
	}

	require.NoError(t, ws.stream(context.Background(), jobID, send))
	require.Len(t, msgs, 2)
	assert.Equal(t, "progress", msgs[0]["type"])
	assert.Equal(t, "complete", msgs[1]["type"])
}

func TestStreamUnknownJob(t *testing.T) {
	ws := NewWebSocketHandler(newFakeStore(), nil, time.Millisecond)

	var msgs []map[string]interface{}
	err := ws.stream(context.Background(), "missing", func(v interface{}) error {
		msgs = append(msgs, v.(map[string]interface{}))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0]["type"])
}
