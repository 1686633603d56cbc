package symbolic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

const (
	// ProximityFactor scales the mean box diagonal for the boost distance test.
	ProximityFactor = 2.0
	// OverlapThreshold is the minimum intersection over the smaller area for
	// a penalty to apply.
	OverlapThreshold = 0.5
)

type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipDisabled          SkipReason = "disabled"
	SkipSourceMissing     SkipReason = "rules_source_missing"
	SkipNoRules           SkipReason = "no_usable_rules"
	SkipEngineUnavailable SkipReason = "engine_unavailable"
)

// Preparation is the outcome of loading rules for a job. When Skip is set
// the refined output is the NMS output unchanged.
type Preparation struct {
	Rules    *RuleSet
	Skip     SkipReason
	Warnings []string
}

type Refiner struct {
	engine RuleEngine
	now    func() time.Time
}

func NewRefiner(engine RuleEngine) *Refiner {
	return &Refiner{engine: engine, now: time.Now}
}

// Prepare loads the rule set named by cfg. Only a failing engine returns an
// error, always a *SymbolicReasoningError; missing sources and empty rule
// sets come back as a skip with a warning.
func (r *Refiner) Prepare(ctx context.Context, cfg models.SymbolicConfig) (*Preparation, error) {
	if !cfg.Enabled {
		return &Preparation{Skip: SkipDisabled}, nil
	}
	if cfg.RulesSource == "" {
		return skip(SkipSourceMissing, "symbolic reasoning enabled but no rules source configured"), nil
	}
	if r.engine == nil {
		return skip(SkipEngineUnavailable, "no rule engine available, symbolic reasoning skipped"), nil
	}

	rules, err := r.engine.LoadRules(ctx, cfg.RulesSource)
	if errors.Is(err, ErrRulesSourceNotFound) {
		return skip(SkipSourceMissing, fmt.Sprintf("rules source %q not found, symbolic reasoning skipped", cfg.RulesSource)), nil
	}
	if err != nil {
		var serr *SymbolicReasoningError
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, &SymbolicReasoningError{Source: cfg.RulesSource, Err: err}
	}

	rs, rejected := NewRuleSet(cfg.RulesSource, rules)
	prep := &Preparation{Rules: rs}
	for _, msg := range rejected {
		logger.Warn("Ignoring unusable rule", zap.String("source", cfg.RulesSource), zap.String("reason", msg))
		prep.Warnings = append(prep.Warnings, msg)
	}

	if rs.Len() == 0 {
		msg := fmt.Sprintf("rules source %q has no usable rules, symbolic reasoning skipped", cfg.RulesSource)
		logger.Warn("No modifier rules found", zap.String("source", cfg.RulesSource))
		prep.Skip = SkipNoRules
		prep.Warnings = append(prep.Warnings, msg)
		return prep, nil
	}

	logger.Info("Modifier rules loaded", zap.String("source", cfg.RulesSource), zap.Int("rules", rs.Len()))
	return prep, nil
}

func skip(reason SkipReason, msg string) *Preparation {
	logger.Warn("Symbolic reasoning skipped", zap.String("reason", string(reason)), zap.String("detail", msg))
	return &Preparation{Skip: reason, Warnings: []string{msg}}
}

// Passthrough is the refined output when the stage is skipped.
func Passthrough(dets []models.Detection) []models.Detection {
	return models.CloneDetections(dets, models.DetectionsRefined)
}

// Refine applies rs to every unordered pair of detections with different
// class ids. Rules for a pair are applied one after another in load order,
// each seeing the confidences left by the previous one. dets is not
// modified.
func (r *Refiner) Refine(jobID, imageID string, dets []models.Detection, rs *RuleSet) ([]models.Detection, []models.AdjustmentRecord) {
	out := models.CloneDetections(dets, models.DetectionsRefined)
	if rs.Len() == 0 {
		return out, nil
	}

	var records []models.AdjustmentRecord
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			a, b := &out[i], &out[j]
			if a.ClassID == b.ClassID {
				continue
			}
			for _, rule := range rs.Lookup(a.ClassName, b.ClassName) {
				rec, ok := r.apply(rule, a, b)
				if !ok {
					continue
				}
				rec.JobID = jobID
				rec.ImageID = imageID
				records = append(records, rec)
			}
		}
	}

	if len(records) > 0 {
		logger.Debug("Symbolic adjustments applied",
			zap.String("job_id", jobID),
			zap.String("image_id", imageID),
			zap.Int("adjustments", len(records)),
		)
	}
	return out, records
}

func (r *Refiner) apply(rule models.Rule, a, b *models.Detection) (models.AdjustmentRecord, bool) {
	rec := models.AdjustmentRecord{
		Rule:       rule,
		DetectionA: a.ID,
		DetectionB: b.ID,
		ClassA:     a.ClassName,
		ClassB:     b.ClassName,
		BeforeA:    a.Confidence,
		BeforeB:    b.Confidence,
		Created:    r.now(),
	}

	switch rule.Relation() {
	case models.RelationBoost:
		avgDiag := (a.Box.Diagonal() + b.Box.Diagonal()) / 2
		if a.Box.CentroidDistance(b.Box) >= ProximityFactor*avgDiag {
			return rec, false
		}
		a.Confidence = math.Min(1, a.Confidence*rule.Weight)
		b.Confidence = math.Min(1, b.Confidence*rule.Weight)
		rec.Action = models.ActionBoost
		rec.Affected = []string{a.ID, b.ID}

	case models.RelationPenalty:
		if a.Box.OverlapFraction(b.Box) <= OverlapThreshold {
			return rec, false
		}
		// The less certain detection is presumed spurious; on a tie the
		// first of the pair is penalised.
		target := a
		if b.Confidence < a.Confidence {
			target = b
		}
		target.Confidence = math.Max(0, target.Confidence*rule.Weight)
		rec.Action = models.ActionPenalty
		rec.Affected = []string{target.ID}

	default:
		return rec, false
	}

	rec.AfterA = a.Confidence
	rec.AfterB = b.Confidence
	return rec, true
}
