package models

import (
	"errors"
	"strings"
	"time"

	"github.com/nsai-detect/backend/internal/geometry"
)

type JobStatus string

const (
	StatusUploaded   JobStatus = "uploaded"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Stage string

const (
	StageNone                 Stage = ""
	StageSlicingInference     Stage = "slicing_inference"
	StageDuplicateSuppression Stage = "duplicate_suppression"
	StageSymbolicReasoning    Stage = "symbolic_reasoning"
)

// DetectionStage tags which pipeline step produced a detection list.
type DetectionStage string

const (
	DetectionsRaw     DetectionStage = "raw"
	DetectionsNMS     DetectionStage = "nms"
	DetectionsRefined DetectionStage = "refined"
)

func ParseDetectionStage(s string) (DetectionStage, bool) {
	switch DetectionStage(strings.ToLower(s)) {
	case DetectionsRaw:
		return DetectionsRaw, true
	case DetectionsNMS:
		return DetectionsNMS, true
	case DetectionsRefined:
		return DetectionsRefined, true
	}
	return "", false
}

var DetectionStages = []DetectionStage{DetectionsRaw, DetectionsNMS, DetectionsRefined}

type Image struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Detection struct {
	ID         string         `json:"id"`
	ImageID    string         `json:"image_id"`
	ClassID    int            `json:"class_id"`
	ClassName  string         `json:"class_name"`
	Confidence float64        `json:"confidence"`
	Box        geometry.Box   `json:"box"`
	Stage      DetectionStage `json:"stage"`
}

// CloneDetections copies dets and retags the copies with stage.
func CloneDetections(dets []Detection, stage DetectionStage) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		d.Stage = stage
		out[i] = d
	}
	return out
}

type SymbolicConfig struct {
	Enabled     bool   `json:"enabled"`
	RulesSource string `json:"rules_source"`
}

// JobConfig is the configuration snapshot taken when a job is created.
type JobConfig struct {
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	IoUThreshold        float64        `json:"iou_threshold"`
	SliceWidth          int            `json:"slice_width"`
	SliceHeight         int            `json:"slice_height"`
	OverlapRatio        float64        `json:"overlap_ratio"`
	DeviceHint          string         `json:"device_hint,omitempty"`
	SymbolicReasoning   SymbolicConfig `json:"symbolic_reasoning"`
	ClassMap            map[int]string `json:"class_map,omitempty"`
}

type Progress struct {
	Stage           Stage   `json:"stage"`
	Percentage      float64 `json:"percentage"`
	ImagesProcessed int     `json:"images_processed"`
	ImagesTotal     int     `json:"images_total"`
	Message         string  `json:"message,omitempty"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   Stage  `json:"stage,omitempty"`
}

type StageSummary struct {
	Processed     int   `json:"processed"`
	Failed        int   `json:"failed"`
	DetectionsIn  int   `json:"detections_in"`
	DetectionsOut int   `json:"detections_out"`
	ElapsedMS     int64 `json:"elapsed_ms"`
}

type JobSummary struct {
	Stages       map[Stage]StageSummary `json:"stages,omitempty"`
	FailedImages []string               `json:"failed_images,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Detections   map[DetectionStage]int `json:"detections,omitempty"`
	Adjustments  int                    `json:"adjustments"`
	RulesLoaded  int                    `json:"rules_loaded"`
}

type Job struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Stage     Stage      `json:"stage"`
	Progress  Progress   `json:"progress"`
	Config    JobConfig  `json:"config"`
	Images    []Image    `json:"images"`
	Error     *JobError  `json:"error,omitempty"`
	Summary   JobSummary `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobUpdate carries the fields to change; nil fields are left untouched.
type JobUpdate struct {
	Status   *JobStatus
	Stage    *Stage
	Progress *Progress
	Error    *JobError
	Summary  *JobSummary
}

type RuleRelation string

const (
	RelationBoost   RuleRelation = "boost"
	RelationPenalty RuleRelation = "penalty"
	RelationNeutral RuleRelation = "neutral"
)

// Rule is a confidence modifier for an unordered pair of class names.
type Rule struct {
	ClassA string  `json:"class_a" yaml:"class_a"`
	ClassB string  `json:"class_b" yaml:"class_b"`
	Weight float64 `json:"weight" yaml:"weight"`
}

func (r Rule) Relation() RuleRelation {
	switch {
	case r.Weight > 1:
		return RelationBoost
	case r.Weight < 1:
		return RelationPenalty
	default:
		return RelationNeutral
	}
}

func (r Rule) Pair() string {
	return r.ClassA + "<->" + r.ClassB
}

type AdjustmentAction string

const (
	ActionBoost   AdjustmentAction = "boost"
	ActionPenalty AdjustmentAction = "penalty"
)

type AdjustmentRecord struct {
	JobID      string           `json:"job_id"`
	ImageID    string           `json:"image_id"`
	Action     AdjustmentAction `json:"action"`
	Rule       Rule             `json:"rule"`
	DetectionA string           `json:"detection_a"`
	DetectionB string           `json:"detection_b"`
	ClassA     string           `json:"class_a"`
	ClassB     string           `json:"class_b"`
	// Affected lists the detection ids whose confidence changed.
	Affected []string  `json:"affected"`
	BeforeA  float64   `json:"before_a"`
	AfterA   float64   `json:"after_a"`
	BeforeB  float64   `json:"before_b"`
	AfterB   float64   `json:"after_b"`
	Created  time.Time `json:"created_at"`
}

// DefaultClassMap is the DOTA v1 label set the reference detector ships with.
var DefaultClassMap = map[int]string{
	0:  "plane",
	1:  "ship",
	2:  "storage_tank",
	3:  "baseball_diamond",
	4:  "tennis_court",
	5:  "basketball_court",
	6:  "ground_track_field",
	7:  "harbor",
	8:  "bridge",
	9:  "large_vehicle",
	10: "small_vehicle",
	11: "helicopter",
	12: "roundabout",
	13: "soccer_ball_field",
	14: "swimming_pool",
}

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict means the job was not in the status a conditional update
	// expected.
	ErrConflict = errors.New("conflict")

	// ErrStageSaved means a job, image and stage already has its detections.
	ErrStageSaved = errors.New("stage detections already saved")
)
