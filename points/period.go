package points

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Reporting window
// =============================================================================

// Period is the half-open window [Start, End).
// A zero Start or End leaves that side unbounded.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

// IsUnbounded reports whether the period covers all time.
func (p Period) IsUnbounded() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// ReportPeriod names a reporting window relative to now.
type ReportPeriod string

const (
	PeriodThisMonth     ReportPeriod = "this_month"
	PeriodPreviousMonth ReportPeriod = "previous_month"
	PeriodAllTime       ReportPeriod = "all_time"
)

// ParseReportPeriod maps a query value to a ReportPeriod.
// An empty value defaults to this_month.
func ParseReportPeriod(s string) (ReportPeriod, error) {
	switch ReportPeriod(s) {
	case "":
		return PeriodThisMonth, nil
	case PeriodThisMonth, PeriodPreviousMonth, PeriodAllTime:
		return ReportPeriod(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

// At returns the concrete window for the named period, in UTC months.
func (rp ReportPeriod) At(now time.Time) Period {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	switch rp {
	case PeriodPreviousMonth:
		return Period{Start: monthStart.AddDate(0, -1, 0), End: monthStart}
	case PeriodAllTime:
		return Period{}
	default:
		return Period{Start: monthStart, End: monthStart.AddDate(0, 1, 0)}
	}
}
