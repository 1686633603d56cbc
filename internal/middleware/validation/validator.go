package validation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LocalsKey is where Middleware stores the parsed *JobRequest.
const LocalsKey = "job_request"

// Accepted ranges for per-job overrides.
const (
	MinSliceSize   = 256
	MaxSliceSize   = 2048
	MaxOverlap     = 0.5
	MaxRulesSource = 1024
)

type SymbolicOverride struct {
	Enabled     *bool   `json:"enabled"`
	RulesSource *string `json:"rules_source"`
}

// JobRequest is the body of a job submission. Nil fields keep the service
// defaults.
type JobRequest struct {
	Images              []string          `json:"images"`
	ConfidenceThreshold *float64          `json:"confidence_threshold"`
	IoUThreshold        *float64          `json:"iou_threshold"`
	SliceWidth          *int              `json:"slice_width"`
	SliceHeight         *int              `json:"slice_height"`
	OverlapRatio        *float64          `json:"overlap_ratio"`
	DeviceHint          *string           `json:"device_hint"`
	SymbolicReasoning   *SymbolicOverride `json:"symbolic_reasoning"`
	// Start submits the job immediately; defaults to true.
	Start *bool `json:"start"`
}

type Config struct {
	MaxImages           int
	AllowedImageTypes   []string
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxImages == 0 {
		cfg.MaxImages = 100
	}
	if len(cfg.AllowedImageTypes) == 0 {
		cfg.AllowedImageTypes = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff"}
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !containsAny(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if c.Method() != fiber.MethodPost || strings.TrimSuffix(c.Path(), "/") != "/api/v1/jobs" {
			return c.Next()
		}

		var req JobRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if err := ValidateJobRequest(&req, cfg.MaxImages, cfg.AllowedImageTypes); err != nil {
			cfg.Logger.Warn("Job request rejected", zap.String("ip", c.IP()), zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		c.Locals(LocalsKey, &req)
		return c.Next()
	}
}

// ValidateJobRequest checks image paths and override ranges, and trims
// string fields in place.
func ValidateJobRequest(req *JobRequest, maxImages int, allowedTypes []string) error {
	if len(req.Images) == 0 {
		return fmt.Errorf("at least one image is required")
	}
	if maxImages > 0 && len(req.Images) > maxImages {
		return fmt.Errorf("at most %d images per job", maxImages)
	}
	for i, path := range req.Images {
		path = sanitizeString(path)
		if path == "" {
			return fmt.Errorf("image %d has an empty path", i)
		}
		if !hasAllowedExt(path, allowedTypes) {
			return fmt.Errorf("image %s has an unsupported type", filepath.Base(path))
		}
		req.Images[i] = path
	}

	if err := checkUnit("confidence_threshold", req.ConfidenceThreshold); err != nil {
		return err
	}
	if err := checkUnit("iou_threshold", req.IoUThreshold); err != nil {
		return err
	}
	if err := checkSlice("slice_width", req.SliceWidth); err != nil {
		return err
	}
	if err := checkSlice("slice_height", req.SliceHeight); err != nil {
		return err
	}
	if req.OverlapRatio != nil && (*req.OverlapRatio < 0 || *req.OverlapRatio > MaxOverlap) {
		return fmt.Errorf("overlap_ratio must be between 0 and %.1f", MaxOverlap)
	}
	if req.DeviceHint != nil {
		hint := sanitizeString(*req.DeviceHint)
		req.DeviceHint = &hint
	}
	if s := req.SymbolicReasoning; s != nil && s.RulesSource != nil {
		src := sanitizeString(*s.RulesSource)
		if len(src) > MaxRulesSource {
			return fmt.Errorf("rules_source exceeds maximum length")
		}
		s.RulesSource = &src
	}
	return nil
}

func checkUnit(field string, v *float64) error {
	if v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("%s must be between 0 and 1", field)
	}
	return nil
}

func checkSlice(field string, v *int) error {
	if v != nil && (*v < MinSliceSize || *v > MaxSliceSize) {
		return fmt.Errorf("%s must be between %d and %d", field, MinSliceSize, MaxSliceSize)
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAllowedExt(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
