/*
Package rules computes point awards and missed-visit penalties.

PURPOSE:
  Pure functions over visit state. No storage, no clock, no side effects.
  The processors in package visits call these and apply the result.

QUALITY POINTS (completed visits):
  no images           -> base                        VISIT_COMPLETION
  all approved        -> base + perfect bonus        PERFECT_VISIT
  >= 80% approved     -> base + quality bonus        IMAGE_QUALITY_BONUS
  <  50% approved     -> base - rejection penalty    IMAGE_REJECTION_PENALTY
  otherwise           -> base                        VISIT_COMPLETION

MISSED VISIT PENALTY (skipped visits):
  points = int(base points * multiplier)   (truncated)
  amount = base amount * multiplier        (2 decimal places)
  HIGH 2.0 (HIGH_PRIORITY_MISSED), MEDIUM 1.5, LOW 1.0 (MISSED_VISIT_PENALTY)

Ratios are compared with integer cross-multiplication so that 4/5 is
exactly 80% and 5/5 is exactly perfect.

SEE ALSO:
  - visits/processor.go: applies the results
  - config/config.go: RuleSet overrides from YAML
*/
package rules

import (
	"fmt"

	"github.com/fieldops/points-engine/points"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE SET
// =============================================================================

// Multipliers holds one penalty multiplier per store priority.
type Multipliers struct {
	High   decimal.Decimal `yaml:"high"`
	Medium decimal.Decimal `yaml:"medium"`
	Low    decimal.Decimal `yaml:"low"`
}

// RuleSet holds the constants of the points economy.
type RuleSet struct {
	BaseVisitPoints       int `yaml:"base_visit_points"`
	PerfectVisitBonus     int `yaml:"perfect_visit_bonus"`
	ImageQualityBonus     int `yaml:"image_quality_bonus"`
	ImageRejectionPenalty int `yaml:"image_rejection_penalty"`

	// Quality thresholds in percent.
	HighQualityPercent int `yaml:"high_quality_percent"`
	LowQualityPercent  int `yaml:"low_quality_percent"`

	MissedVisitPoints   int             `yaml:"missed_visit_points"`
	MissedVisitAmount   decimal.Decimal `yaml:"missed_visit_amount"`
	PriorityMultipliers Multipliers     `yaml:"priority_multipliers"`
}

// Default returns the production rule set.
func Default() RuleSet {
	return RuleSet{
		BaseVisitPoints:       100,
		PerfectVisitBonus:     50,
		ImageQualityBonus:     25,
		ImageRejectionPenalty: 30,
		HighQualityPercent:    80,
		LowQualityPercent:     50,
		MissedVisitPoints:     50,
		MissedVisitAmount:     decimal.RequireFromString("50.00"),
		PriorityMultipliers: Multipliers{
			High:   decimal.RequireFromString("2.0"),
			Medium: decimal.RequireFromString("1.5"),
			Low:    decimal.RequireFromString("1.0"),
		},
	}
}

// Validate rejects rule sets that would break the ledger invariants.
func (r RuleSet) Validate() error {
	switch {
	case r.BaseVisitPoints < 0, r.PerfectVisitBonus < 0, r.ImageQualityBonus < 0, r.ImageRejectionPenalty < 0:
		return fmt.Errorf("rules: point values must not be negative")
	case r.MissedVisitPoints < 0 || r.MissedVisitAmount.IsNegative():
		return fmt.Errorf("rules: missed visit penalty must not be negative")
	case r.LowQualityPercent < 0 || r.HighQualityPercent > 100 || r.LowQualityPercent > r.HighQualityPercent:
		return fmt.Errorf("rules: quality thresholds must satisfy 0 <= low <= high <= 100")
	case r.PriorityMultipliers.High.IsNegative(), r.PriorityMultipliers.Medium.IsNegative(), r.PriorityMultipliers.Low.IsNegative():
		return fmt.Errorf("rules: priority multipliers must not be negative")
	}
	return nil
}

// =============================================================================
// QUALITY POINTS
// =============================================================================

// Award is the outcome of QualityPoints.
type Award struct {
	Points      int
	Activity    points.ActivityType
	Description string
}

// QualityPoints computes the award for a completed visit from its images.
func (r RuleSet) QualityPoints(images []points.Image) Award {
	total := len(images)
	if total == 0 {
		return Award{Points: r.BaseVisitPoints, Activity: points.ActivityVisitCompletion, Description: "Visit completed"}
	}

	approved, rejected := 0, 0
	for _, img := range images {
		switch img.Quality {
		case points.QualityApproved:
			approved++
		case points.QualityRejected:
			rejected++
		}
	}

	switch {
	case approved == total:
		return Award{
			Points:      r.BaseVisitPoints + r.PerfectVisitBonus,
			Activity:    points.ActivityPerfectVisit,
			Description: fmt.Sprintf("Perfect visit - all %d images approved", total),
		}
	case approved*100 >= total*r.HighQualityPercent:
		return Award{
			Points:      r.BaseVisitPoints + r.ImageQualityBonus,
			Activity:    points.ActivityImageQualityBonus,
			Description: fmt.Sprintf("High quality visit - %d/%d images approved", approved, total),
		}
	case approved*100 < total*r.LowQualityPercent:
		return Award{
			Points:      r.BaseVisitPoints - r.ImageRejectionPenalty,
			Activity:    points.ActivityImageRejectionPenalty,
			Description: fmt.Sprintf("Low quality visit - %d/%d images rejected", rejected, total),
		}
	default:
		return Award{
			Points:      r.BaseVisitPoints,
			Activity:    points.ActivityVisitCompletion,
			Description: fmt.Sprintf("Visit completed - %d/%d images approved", approved, total),
		}
	}
}

// =============================================================================
// MISSED VISIT PENALTY
// =============================================================================

// MissedPenalty is the outcome of MissedVisitPenalty.
type MissedPenalty struct {
	PointsDeducted int
	Amount         decimal.Decimal
	Activity       points.ActivityType
}

// MissedVisitPenalty computes the penalty for skipping a store of the given
// priority. An unknown priority is a data error, never a silent default.
func (r RuleSet) MissedVisitPenalty(priority points.Priority) (MissedPenalty, error) {
	var (
		multiplier decimal.Decimal
		activity   = points.ActivityMissedVisitPenalty
	)
	switch priority {
	case points.PriorityHigh:
		multiplier = r.PriorityMultipliers.High
		activity = points.ActivityHighPriorityMissed
	case points.PriorityMedium:
		multiplier = r.PriorityMultipliers.Medium
	case points.PriorityLow:
		multiplier = r.PriorityMultipliers.Low
	default:
		return MissedPenalty{}, fmt.Errorf("%w: unknown store priority %q", points.ErrDataIntegrity, priority)
	}

	pts := decimal.NewFromInt(int64(r.MissedVisitPoints)).Mul(multiplier).Truncate(0)
	return MissedPenalty{
		PointsDeducted: int(pts.IntPart()),
		Amount:         r.MissedVisitAmount.Mul(multiplier).Round(2),
		Activity:       activity,
	}, nil
}
