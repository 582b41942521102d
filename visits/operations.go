package visits

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldops/points-engine/points"
)

// =============================================================================
// OPERATIONS - State changes that trigger points side effects
// =============================================================================

// Operations owns visit and image writes. Each call saves the new state and
// dispatches the transition in one unit of work, then emits notifications.
type Operations struct {
	store      points.TxStore
	processor  *Processor
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewOperations wires operations to a processor and its store.
func NewOperations(store points.TxStore, processor *Processor, logger *slog.Logger) *Operations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Operations{
		store:      store,
		processor:  processor,
		dispatcher: NewDispatcher(processor),
		logger:     logger,
	}
}

// Processor returns the processor the operations dispatch to.
func (o *Operations) Processor() *Processor { return o.processor }

func (o *Operations) commit(ctx context.Context, op string, fn func(points.Store) (Outcome, error)) (Outcome, error) {
	var out Outcome
	err := o.store.WithTx(ctx, func(s points.Store) error {
		var err error
		out, err = fn(s)
		return err
	})
	if err != nil {
		o.logger.Warn("operation rolled back", slog.String("op", op), slog.Any("error", err))
		return Outcome{}, err
	}

	attrs := []any{slog.String("op", op)}
	if out.Transaction != nil {
		attrs = append(attrs, slog.String("transaction_id", string(out.Transaction.ID)), slog.Int("points", out.Transaction.Points))
	}
	if out.Penalty != nil {
		attrs = append(attrs, slog.String("penalty_id", string(out.Penalty.ID)))
	}
	o.logger.Info("operation committed", attrs...)

	o.processor.emit(ctx, out)
	return out, nil
}

// SetVisitStatus moves a visit to status and applies its points effects.
func (o *Operations) SetVisitStatus(ctx context.Context, visitID points.VisitID, status points.VisitStatus) (Outcome, error) {
	if !status.Valid() {
		return Outcome{}, fmt.Errorf("%w: visit status %q", points.ErrInvalidStatus, status)
	}

	return o.commit(ctx, "set_visit_status", func(s points.Store) (Outcome, error) {
		before, err := s.LockVisit(ctx, visitID)
		if err != nil {
			return Outcome{}, err
		}
		after := *before
		after.Status = status
		if before.Status == status {
			return Outcome{Visit: &after}, nil
		}

		if err := s.UpdateVisitStatus(ctx, visitID, status); err != nil {
			return Outcome{}, fmt.Errorf("update visit status: %w", err)
		}
		out, err := o.dispatcher.VisitChanged(ctx, s, before, after)
		if err != nil {
			return Outcome{}, err
		}
		out.Visit = &after
		return out, nil
	})
}

// ReviewImage records a quality decision and recalculates the visit award.
func (o *Operations) ReviewImage(ctx context.Context, imageID points.ImageID, quality points.QualityStatus) (Outcome, error) {
	if !quality.Valid() {
		return Outcome{}, fmt.Errorf("%w: quality status %q", points.ErrInvalidStatus, quality)
	}

	return o.commit(ctx, "review_image", func(s points.Store) (Outcome, error) {
		img, err := s.GetImage(ctx, imageID)
		if err != nil {
			return Outcome{}, err
		}
		visit, err := s.LockVisit(ctx, img.VisitID)
		if err != nil {
			return Outcome{}, err
		}

		// Re-read under the visit lock.
		before, err := s.GetImage(ctx, imageID)
		if err != nil {
			return Outcome{}, err
		}
		after := *before
		after.Quality = quality
		if before.Quality == quality {
			return Outcome{Visit: visit, Image: &after}, nil
		}

		if err := s.UpdateImageQuality(ctx, imageID, quality); err != nil {
			return Outcome{}, fmt.Errorf("update image quality: %w", err)
		}
		for i := range visit.Images {
			if visit.Images[i].ID == imageID {
				visit.Images[i] = after
			}
		}

		out, err := o.dispatcher.ImageChanged(ctx, s, *visit, before, after)
		if err != nil {
			return Outcome{}, err
		}
		out.Visit = visit
		out.Image = &after
		return out, nil
	})
}

// RecordVisit creates a visit with its store and images. A visit created
// as COMPLETED or SKIPPED is processed immediately.
func (o *Operations) RecordVisit(ctx context.Context, v points.Visit) (Outcome, error) {
	if v.Status == "" {
		v.Status = points.VisitInProgress
	}
	if !v.Status.Valid() {
		return Outcome{}, fmt.Errorf("%w: visit status %q", points.ErrInvalidStatus, v.Status)
	}
	if v.ID == "" {
		v.ID = points.VisitID(o.processor.newID())
	}

	return o.commit(ctx, "record_visit", func(s points.Store) (Outcome, error) {
		if v.Store != nil {
			if err := s.SaveStore(ctx, *v.Store); err != nil {
				return Outcome{}, fmt.Errorf("save store: %w", err)
			}
		}
		if err := s.CreateVisit(ctx, &v); err != nil {
			return Outcome{}, fmt.Errorf("create visit: %w", err)
		}
		for _, img := range v.Images {
			img.VisitID = v.ID
			if img.ID == "" {
				img.ID = points.ImageID(o.processor.newID())
			}
			if img.Quality == "" {
				img.Quality = points.QualityPending
			}
			if !img.Quality.Valid() {
				return Outcome{}, fmt.Errorf("%w: quality status %q", points.ErrInvalidStatus, img.Quality)
			}
			if err := s.CreateImage(ctx, &img); err != nil {
				return Outcome{}, fmt.Errorf("create image: %w", err)
			}
		}

		created, err := s.LockVisit(ctx, v.ID)
		if err != nil {
			return Outcome{}, err
		}
		out, err := o.dispatcher.VisitChanged(ctx, s, nil, *created)
		if err != nil {
			return Outcome{}, err
		}
		out.Visit = created
		return out, nil
	})
}

// AddImage attaches a new image to a visit. Creation alone never changes points.
func (o *Operations) AddImage(ctx context.Context, img points.Image) (Outcome, error) {
	if img.Quality == "" {
		img.Quality = points.QualityPending
	}
	if !img.Quality.Valid() {
		return Outcome{}, fmt.Errorf("%w: quality status %q", points.ErrInvalidStatus, img.Quality)
	}
	if img.ID == "" {
		img.ID = points.ImageID(o.processor.newID())
	}

	return o.commit(ctx, "add_image", func(s points.Store) (Outcome, error) {
		visit, err := s.LockVisit(ctx, img.VisitID)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.CreateImage(ctx, &img); err != nil {
			return Outcome{}, fmt.Errorf("create image: %w", err)
		}
		visit.Images = append(visit.Images, img)

		out, err := o.dispatcher.ImageChanged(ctx, s, *visit, nil, img)
		if err != nil {
			return Outcome{}, err
		}
		out.Visit = visit
		out.Image = &img
		return out, nil
	})
}
