package points

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUMMARIES - Derived views for the agent app
// =============================================================================

// PointsSummary is the "my points" view: balance plus month progress.
type PointsSummary struct {
	Ledger             Ledger
	CurrentMonthPoints int
	MonthTarget        int
	ProgressPercent    float64
}

// NewPointsSummary sums the month's EARNED rows against the target.
// Progress is rounded to one decimal place.
func NewPointsSummary(l Ledger, monthEarned []Transaction, target int) PointsSummary {
	sum := 0
	for _, tx := range monthEarned {
		if tx.Type == TxEarned {
			sum += tx.Points
		}
	}

	progress := 0.0
	if target > 0 {
		progress = math.Round(float64(sum)/float64(target)*1000) / 10
	}

	return PointsSummary{
		Ledger:             l,
		CurrentMonthPoints: sum,
		MonthTarget:        target,
		ProgressPercent:    progress,
	}
}

// PenaltySummary totals the penalties of a period.
type PenaltySummary struct {
	Period       ReportPeriod
	TotalAmount  decimal.Decimal
	StoresMissed int
	Penalties    []Penalty
}

// NewPenaltySummary totals amounts and counts distinct stores.
func NewPenaltySummary(period ReportPeriod, penalties []Penalty) PenaltySummary {
	total := decimal.Zero
	stores := make(map[StoreID]struct{})
	for _, p := range penalties {
		total = total.Add(p.Amount)
		if p.StoreID != "" {
			stores[p.StoreID] = struct{}{}
		}
	}
	if penalties == nil {
		penalties = []Penalty{}
	}
	return PenaltySummary{
		Period:       period,
		TotalAmount:  total,
		StoresMissed: len(stores),
		Penalties:    penalties,
	}
}

// =============================================================================
// REPORTER
// =============================================================================

// LedgerReader is the read side of LedgerStore the reporter needs.
type LedgerReader interface {
	GetLedger(ctx context.Context, userID UserID) (*Ledger, error)
}

// DefaultMonthTarget is the monthly points goal shown to agents.
const DefaultMonthTarget = 2000

// Reporter serves the agent-facing reports.
type Reporter struct {
	Ledgers     LedgerReader
	Reports     ReportStore
	MonthTarget int
	Now         Clock
}

func NewReporter(ledgers LedgerReader, reports ReportStore, monthTarget int) *Reporter {
	if monthTarget <= 0 {
		monthTarget = DefaultMonthTarget
	}
	return &Reporter{Ledgers: ledgers, Reports: reports, MonthTarget: monthTarget, Now: UTCNow}
}

// PointsSummary returns the ledger and this month's progress. An agent
// without a ledger gets an all-zero summary.
func (r *Reporter) PointsSummary(ctx context.Context, userID UserID) (PointsSummary, error) {
	l, err := r.Ledgers.GetLedger(ctx, userID)
	if err != nil {
		return PointsSummary{}, fmt.Errorf("get ledger: %w", err)
	}
	if l == nil {
		l = &Ledger{UserID: userID}
	}

	earned, err := r.Reports.EarnedTransactions(ctx, userID, PeriodThisMonth.At(r.Now()))
	if err != nil {
		return PointsSummary{}, fmt.Errorf("earned transactions: %w", err)
	}
	return NewPointsSummary(*l, earned, r.MonthTarget), nil
}

// EarnedActivity lists EARNED rows of the period, newest first.
func (r *Reporter) EarnedActivity(ctx context.Context, userID UserID, period ReportPeriod) ([]Transaction, error) {
	txs, err := r.Reports.EarnedTransactions(ctx, userID, period.At(r.Now()))
	if err != nil {
		return nil, fmt.Errorf("earned transactions: %w", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}

// PenaltySummary totals the penalties of the period.
func (r *Reporter) PenaltySummary(ctx context.Context, userID UserID, period ReportPeriod) (PenaltySummary, error) {
	ps, err := r.Reports.Penalties(ctx, userID, period.At(r.Now()))
	if err != nil {
		return PenaltySummary{}, fmt.Errorf("penalties: %w", err)
	}
	return NewPenaltySummary(period, ps), nil
}
