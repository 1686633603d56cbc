package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/config"
)

// DefaultJobConfig builds a job configuration snapshot from the service
// pipeline settings. Class map keys that are not integers are ignored.
func DefaultJobConfig(p config.PipelineConfig) models.JobConfig {
	cfg := models.JobConfig{
		ConfidenceThreshold: p.ConfidenceThreshold,
		IoUThreshold:        p.IoUThreshold,
		SliceWidth:          p.SliceWidth,
		SliceHeight:         p.SliceHeight,
		OverlapRatio:        p.OverlapRatio,
		DeviceHint:          p.DeviceHint,
		SymbolicReasoning: models.SymbolicConfig{
			Enabled:     p.SymbolicReasoning.Enabled,
			RulesSource: p.SymbolicReasoning.RulesSource,
		},
	}

	if len(p.ClassMap) > 0 {
		cfg.ClassMap = make(map[int]string, len(p.ClassMap))
		for key, name := range p.ClassMap {
			id, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				continue
			}
			cfg.ClassMap[id] = strings.ToLower(name)
		}
	}
	return cfg
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// ValidateConfig checks a job configuration snapshot. The returned error is
// always a *ConfigurationError.
func ValidateConfig(cfg models.JobConfig) error {
	switch {
	case !inUnitRange(cfg.ConfidenceThreshold):
		return &ConfigurationError{Field: "confidence_threshold", Reason: fmt.Sprintf("%v is outside [0,1]", cfg.ConfidenceThreshold)}
	case !inUnitRange(cfg.IoUThreshold):
		return &ConfigurationError{Field: "iou_threshold", Reason: fmt.Sprintf("%v is outside [0,1]", cfg.IoUThreshold)}
	case cfg.SliceWidth <= 0:
		return &ConfigurationError{Field: "slice_width", Reason: fmt.Sprintf("%d is not positive", cfg.SliceWidth)}
	case cfg.SliceHeight <= 0:
		return &ConfigurationError{Field: "slice_height", Reason: fmt.Sprintf("%d is not positive", cfg.SliceHeight)}
	case math.IsNaN(cfg.OverlapRatio) || cfg.OverlapRatio < 0 || cfg.OverlapRatio >= 1:
		return &ConfigurationError{Field: "overlap_ratio", Reason: fmt.Sprintf("%v is outside [0,1)", cfg.OverlapRatio)}
	}
	return nil
}
