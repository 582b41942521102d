/*
Package notify turns engine side effects into agent notifications.

PURPOSE:
  The points engine only decides *that* something should be announced
  (points earned, penalty issued, visit completed, image reviewed). This
  package builds the title/message, checks the agent's preferences and
  hands the result to a Notifier for delivery.

BEST EFFORT:
  Emit never returns an error. Events are emitted after the unit of work
  has committed, and a delivery failure is logged and dropped so that it
  can never undo a ledger change.

PREFERENCES:
  push disabled                               -> nothing is sent
  POINTS_EARNED, POINTS_DEDUCTED              -> require reward alerts
  IMAGE_APPROVED, IMAGE_REJECTED              -> require QC alerts
  everything else                             -> sent

SEE ALSO:
  - visits/dispatcher.go: produces the events
  - store/sqlite/sqlite.go: SaveNotification (the default Sink)
*/
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldops/points-engine/points"
	"github.com/google/uuid"
)

// =============================================================================
// NOTIFICATION
// =============================================================================

type Kind string

const (
	KindPointsEarned        Kind = "POINTS_EARNED"
	KindPointsDeducted      Kind = "POINTS_DEDUCTED"
	KindPenaltyIssued       Kind = "PENALTY_ISSUED"
	KindStoreVisitCompleted Kind = "STORE_VISIT_COMPLETED"
	KindStoreVisitFlagged   Kind = "STORE_VISIT_FLAGGED"
	KindImageApproved       Kind = "IMAGE_APPROVED"
	KindImageRejected       Kind = "IMAGE_REJECTED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// maxReasonRunes caps the penalty reason copied into notification metadata.
const maxReasonRunes = 100

// Notification is a message addressed to one agent.
type Notification struct {
	ID        string
	UserID    points.UserID
	Kind      Kind
	Title     string
	Message   string
	Priority  Priority
	Metadata  map[string]any
	Read      bool
	CreatedAt time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sink persists notifications for the in-app inbox.
type Sink interface {
	SaveNotification(ctx context.Context, n Notification) error
	Notifications(ctx context.Context, userID points.UserID, limit int) ([]Notification, error)
}

// SinkNotifier delivers by storing into a Sink.
type SinkNotifier struct {
	Sink Sink
}

func (s SinkNotifier) Notify(ctx context.Context, n Notification) error {
	return s.Sink.SaveNotification(ctx, n)
}

// AgentSource looks up notification preferences.
type AgentSource interface {
	GetAgent(ctx context.Context, id points.UserID) (*points.Agent, error)
}

// =============================================================================
// EMITTER
// =============================================================================

// Emitter builds, filters and delivers notifications for engine events.
type Emitter struct {
	Agents   AgentSource
	Notifier Notifier
	Logger   *slog.Logger
	Currency string
	Now      points.Clock
}

// NewEmitter creates an emitter with SAR as the penalty currency.
func NewEmitter(agents AgentSource, notifier Notifier, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		Agents:   agents,
		Notifier: notifier,
		Logger:   logger,
		Currency: "SAR",
		Now:      points.UTCNow,
	}
}

// Emit delivers one notification per event, in order.
func (e *Emitter) Emit(ctx context.Context, events ...Event) {
	for _, ev := range events {
		log := e.Logger.With(slog.String("user_id", string(ev.UserID)), slog.String("kind", string(ev.Kind)))

		agent, err := e.Agents.GetAgent(ctx, ev.UserID)
		if err != nil {
			log.Warn("notification skipped: agent lookup failed", slog.Any("error", err))
			continue
		}
		if !ShouldSend(*agent, ev.Kind) {
			log.Debug("notification suppressed by preferences")
			continue
		}

		n := e.Build(ev)
		if err := e.Notifier.Notify(ctx, n); err != nil {
			log.Warn("notification delivery failed", slog.Any("error", err))
			continue
		}
		log.Debug("notification delivered", slog.String("notification_id", n.ID))
	}
}

// ShouldSend applies the agent's notification preferences.
func ShouldSend(a points.Agent, kind Kind) bool {
	if !a.PushEnabled {
		return false
	}
	switch kind {
	case KindPointsEarned, KindPointsDeducted:
		return a.RewardAlerts
	case KindImageApproved, KindImageRejected:
		return a.QCAlerts
	}
	return true
}

// Build renders the notification for an event.
func (e *Emitter) Build(ev Event) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		Kind:      ev.Kind,
		Priority:  PriorityMedium,
		CreatedAt: e.Now(),
	}

	switch ev.Kind {
	case KindPointsEarned, KindPointsDeducted:
		tx := ev.Transaction
		amount := tx.Points
		if amount < 0 {
			amount = -amount
		}
		verb := "Earned"
		if ev.Kind == KindPointsDeducted {
			verb = "Deducted"
		}
		n.Title = fmt.Sprintf("%d Points %s", amount, verb)
		n.Message = tx.Description
		if n.Message == "" {
			n.Message = fmt.Sprintf("%d points %s for %s.", amount, strings.ToLower(verb), tx.Activity)
		}
		n.Metadata = map[string]any{
			"points":        tx.Points,
			"activity_type": string(tx.Activity),
			"description":   tx.Description,
		}

	case KindPenaltyIssued:
		p := ev.Penalty
		n.Title = "Penalty Issued"
		n.Priority = PriorityHigh
		n.Message = fmt.Sprintf("A penalty has been issued for %s.", p.Type)
		if p.Amount.IsPositive() {
			n.Message += fmt.Sprintf(" Amount: %s %s", p.Amount.StringFixed(2), e.Currency)
		}
		if p.PointsDeducted > 0 {
			n.Message += fmt.Sprintf(" Points deducted: %d points", p.PointsDeducted)
		}
		reason := p.Reason
		if r := []rune(reason); len(r) > maxReasonRunes {
			reason = string(r[:maxReasonRunes])
		}
		n.Metadata = map[string]any{
			"penalty_type":    string(p.Type),
			"amount":          p.Amount.StringFixed(2),
			"points_deducted": p.PointsDeducted,
			"reason":          reason,
		}

	case KindStoreVisitCompleted, KindStoreVisitFlagged:
		v := ev.Visit
		store := storeName(v)
		if ev.Kind == KindStoreVisitCompleted {
			n.Title = "Store Visit Completed"
			n.Message = fmt.Sprintf("Store visit to %s has been completed successfully.", store)
		} else {
			n.Title = "Store Visit Flagged"
			n.Message = fmt.Sprintf("Store visit to %s has been flagged for review.", store)
			n.Priority = PriorityHigh
		}
		n.Metadata = map[string]any{
			"store_name":   store,
			"visit_status": string(v.Status),
			"route_id":     string(v.RouteID),
		}

	case KindImageApproved, KindImageRejected:
		store := storeName(ev.Visit)
		if ev.Kind == KindImageApproved {
			n.Title = "Image Approved"
			n.Message = fmt.Sprintf("Your image from %s has been approved by quality check.", store)
		} else {
			n.Title = "Image Rejected"
			n.Message = fmt.Sprintf("Your image from %s has been rejected by quality check.", store)
			n.Priority = PriorityHigh
		}
		n.Metadata = map[string]any{
			"store_name":     store,
			"image_id":       string(ev.Image.ID),
			"quality_status": string(ev.Image.Quality),
		}
	}

	return n
}

func storeName(v *points.Visit) string {
	if v == nil || v.Store == nil || v.Store.Name == "" {
		return "Store"
	}
	return v.Store.Name
}
