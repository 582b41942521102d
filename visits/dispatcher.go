package visits

import (
	"context"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
)

// =============================================================================
// DISPATCHER - Transition detection
// =============================================================================
//
// The dispatcher is handed the persisted value before the change and the
// value being saved. It acts only when the relevant field really changed:
//
//   visit status  -> COMPLETED : award
//   visit status  -> SKIPPED   : penalty
//   image quality  changed     : recalculate (if the visit is COMPLETED)
//
// A nil before means the row is being created. Visits created directly in
// a terminal status are processed; image creation never is.
//
// The dispatcher runs inside the caller's unit of work. Processor errors
// are returned unchanged so the caller's state change rolls back with them.

// Dispatcher routes visit and image transitions to the Processor.
type Dispatcher struct {
	processor *Processor
}

func NewDispatcher(p *Processor) *Dispatcher {
	return &Dispatcher{processor: p}
}

// VisitChanged handles a visit save.
func (d *Dispatcher) VisitChanged(ctx context.Context, s points.Store, before *points.Visit, after points.Visit) (Outcome, error) {
	if before != nil && before.Status == after.Status {
		return Outcome{}, nil
	}

	var (
		out Outcome
		err error
	)
	switch after.Status {
	case points.VisitCompleted:
		out, err = d.processor.award(ctx, s, after)
	case points.VisitSkipped:
		out, err = d.processor.deduct(ctx, s, after)
	}
	if err != nil {
		return Outcome{}, err
	}

	// A visit created as COMPLETED is awarded but not announced; only FLAGGED
	// is announced at creation.
	if before == nil && after.Status != points.VisitFlagged {
		return out, nil
	}
	if ev, ok := notify.VisitEvent(after); ok {
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// ImageChanged handles an image save. visit must already carry the new
// image value in its Images.
func (d *Dispatcher) ImageChanged(ctx context.Context, s points.Store, visit points.Visit, before *points.Image, after points.Image) (Outcome, error) {
	if before == nil || before.Quality == after.Quality {
		return Outcome{}, nil
	}

	out, err := d.processor.recalculate(ctx, s, visit)
	if err != nil {
		return Outcome{}, err
	}

	if ev, ok := notify.ImageEvent(visit, after); ok {
		out.Events = append(out.Events, ev)
	}
	return out, nil
}
