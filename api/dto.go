/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the points model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Agents:        AgentDTO, CreateAgentRequest
  Points:        LedgerDTO, PointsSummaryDTO, TransactionDTO, RedeemRequest
  Penalties:     PenaltyDTO, PenaltySummaryDTO
  Visits:        VisitDTO, ImageDTO, CreateVisitRequest, AddImageRequest,
                 VisitStatusRequest, ImageQualityRequest, OutcomeResponse
  Notifications: NotificationDTO
  Scenarios:     ScenarioDTO

VALIDATION:
  Validation is done in handlers and operations, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/visits"
)

// =============================================================================
// AGENTS
// =============================================================================

type AgentDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PushEnabled  bool   `json:"push_enabled"`
	RewardAlerts bool   `json:"reward_alerts"`
	QCAlerts     bool   `json:"qc_alerts"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// CreateAgentRequest registers an agent. Omitted preferences default to on.
type CreateAgentRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PushEnabled  *bool  `json:"push_enabled,omitempty"`
	RewardAlerts *bool  `json:"reward_alerts,omitempty"`
	QCAlerts     *bool  `json:"qc_alerts,omitempty"`
}

// =============================================================================
// POINTS
// =============================================================================

type LedgerDTO struct {
	UserID          string `json:"user_id"`
	TotalPoints     int    `json:"total_points"`
	AvailablePoints int    `json:"available_points"`
	LifetimePoints  int    `json:"lifetime_points"`
}

type PointsSummaryDTO struct {
	LedgerDTO
	CurrentMonthPoints int     `json:"current_month_points"`
	MonthTarget        int     `json:"month_target"`
	ProgressPercent    float64 `json:"progress_percent"`
}

type TransactionDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Type         string `json:"transaction_type"`
	ActivityType string `json:"activity_type"`
	Points       int    `json:"points"`
	Description  string `json:"description,omitempty"`
	VisitID      string `json:"visit_id,omitempty"`
	StoreID      string `json:"store_id,omitempty"`
	RouteID      string `json:"route_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type RedeemRequest struct {
	Points      int    `json:"points"`
	Description string `json:"description"`
}

// =============================================================================
// PENALTIES
// =============================================================================

type PenaltyDTO struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	StoreID        string `json:"store_id,omitempty"`
	RouteID        string `json:"route_id,omitempty"`
	VisitID        string `json:"visit_id,omitempty"`
	Reason         string `json:"reason"`
	Amount         string `json:"amount"`
	PointsDeducted int    `json:"points_deducted"`
	Type           string `json:"penalty_type"`
	Status         string `json:"status"`
	IssuedAt       string `json:"issued_at"`
}

type PenaltySummaryDTO struct {
	Period       string       `json:"period"`
	TotalAmount  string       `json:"total_amount"`
	StoresMissed int          `json:"stores_missed"`
	Penalties    []PenaltyDTO `json:"penalties"`
}

// =============================================================================
// VISITS AND IMAGES
// =============================================================================

type ImageDTO struct {
	ID            string `json:"id"`
	VisitID       string `json:"visit_id"`
	QualityStatus string `json:"quality_status"`
}

type StoreDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority string `json:"priority"`
}

type VisitDTO struct {
	ID      string     `json:"id"`
	UserID  string     `json:"user_id"`
	RouteID string     `json:"route_id,omitempty"`
	Store   *StoreDTO  `json:"store,omitempty"`
	Status  string     `json:"status"`
	Images  []ImageDTO `json:"images"`
}

type CreateVisitRequest struct {
	ID      string            `json:"id"`
	UserID  string            `json:"user_id"`
	RouteID string            `json:"route_id"`
	Store   *StoreDTO         `json:"store"`
	Status  string            `json:"status"`
	Images  []AddImageRequest `json:"images"`
}

type AddImageRequest struct {
	ID            string `json:"id"`
	QualityStatus string `json:"quality_status"`
}

type VisitStatusRequest struct {
	Status string `json:"status"`
}

type ImageQualityRequest struct {
	QualityStatus string `json:"quality_status"`
}

// OutcomeResponse reports the state change and any points side effects.
type OutcomeResponse struct {
	Visit       *VisitDTO       `json:"visit,omitempty"`
	Image       *ImageDTO       `json:"image,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Penalty     *PenaltyDTO     `json:"penalty,omitempty"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationDTO struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt string         `json:"created_at"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION FUNCTIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAgentDTO(a points.Agent) AgentDTO {
	return AgentDTO{
		ID:           string(a.ID),
		Name:         a.Name,
		PushEnabled:  a.PushEnabled,
		RewardAlerts: a.RewardAlerts,
		QCAlerts:     a.QCAlerts,
		CreatedAt:    formatTime(a.CreatedAt),
	}
}

func toLedgerDTO(l points.Ledger) LedgerDTO {
	return LedgerDTO{
		UserID:          string(l.UserID),
		TotalPoints:     l.TotalPoints,
		AvailablePoints: l.AvailablePoints,
		LifetimePoints:  l.LifetimePoints,
	}
}

func toPointsSummaryDTO(s points.PointsSummary) PointsSummaryDTO {
	return PointsSummaryDTO{
		LedgerDTO:          toLedgerDTO(s.Ledger),
		CurrentMonthPoints: s.CurrentMonthPoints,
		MonthTarget:        s.MonthTarget,
		ProgressPercent:    s.ProgressPercent,
	}
}

func toTransactionDTO(tx points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		UserID:       string(tx.UserID),
		Type:         string(tx.Type),
		ActivityType: string(tx.Activity),
		Points:       tx.Points,
		Description:  tx.Description,
		VisitID:      string(tx.VisitID),
		StoreID:      string(tx.StoreID),
		RouteID:      string(tx.RouteID),
		CreatedAt:    formatTime(tx.CreatedAt),
		UpdatedAt:    formatTime(tx.UpdatedAt),
	}
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toPenaltyDTO(p points.Penalty) PenaltyDTO {
	return PenaltyDTO{
		ID:             string(p.ID),
		UserID:         string(p.UserID),
		StoreID:        string(p.StoreID),
		RouteID:        string(p.RouteID),
		VisitID:        string(p.VisitID),
		Reason:         p.Reason,
		Amount:         p.Amount.StringFixed(2),
		PointsDeducted: p.PointsDeducted,
		Type:           string(p.Type),
		Status:         string(p.Status),
		IssuedAt:       formatTime(p.IssuedAt),
	}
}

func toPenaltySummaryDTO(s points.PenaltySummary) PenaltySummaryDTO {
	dtos := make([]PenaltyDTO, len(s.Penalties))
	for i, p := range s.Penalties {
		dtos[i] = toPenaltyDTO(p)
	}
	return PenaltySummaryDTO{
		Period:       string(s.Period),
		TotalAmount:  s.TotalAmount.StringFixed(2),
		StoresMissed: s.StoresMissed,
		Penalties:    dtos,
	}
}

func toImageDTO(img points.Image) ImageDTO {
	return ImageDTO{ID: string(img.ID), VisitID: string(img.VisitID), QualityStatus: string(img.Quality)}
}

func toVisitDTO(v points.Visit) VisitDTO {
	dto := VisitDTO{
		ID:      string(v.ID),
		UserID:  string(v.UserID),
		RouteID: string(v.RouteID),
		Status:  string(v.Status),
		Images:  make([]ImageDTO, len(v.Images)),
	}
	if v.Store != nil {
		dto.Store = &StoreDTO{ID: string(v.Store.ID), Name: v.Store.Name, Priority: string(v.Store.Priority)}
	}
	for i, img := range v.Images {
		dto.Images[i] = toImageDTO(img)
	}
	return dto
}

func toOutcomeResponse(out visits.Outcome) OutcomeResponse {
	var resp OutcomeResponse
	if out.Visit != nil {
		v := toVisitDTO(*out.Visit)
		resp.Visit = &v
	}
	if out.Image != nil {
		img := toImageDTO(*out.Image)
		resp.Image = &img
	}
	if out.Transaction != nil {
		tx := toTransactionDTO(*out.Transaction)
		resp.Transaction = &tx
	}
	if out.Penalty != nil {
		p := toPenaltyDTO(*out.Penalty)
		resp.Penalty = &p
	}
	return resp
}

func toNotificationDTO(n notify.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		UserID:    string(n.UserID),
		Type:      string(n.Kind),
		Title:     n.Title,
		Message:   n.Message,
		Priority:  string(n.Priority),
		Metadata:  n.Metadata,
		IsRead:    n.Read,
		CreatedAt: formatTime(n.CreatedAt),
	}
}

func (r CreateVisitRequest) toVisit() points.Visit {
	v := points.Visit{
		ID:      points.VisitID(r.ID),
		UserID:  points.UserID(r.UserID),
		RouteID: points.RouteID(r.RouteID),
		Status:  points.VisitStatus(r.Status),
	}
	if r.Store != nil {
		v.Store = &points.StoreRef{
			ID:       points.StoreID(r.Store.ID),
			Name:     r.Store.Name,
			Priority: points.Priority(r.Store.Priority),
		}
	}
	for _, img := range r.Images {
		v.Images = append(v.Images, points.Image{ID: points.ImageID(img.ID), Quality: points.QualityStatus(img.QualityStatus)})
	}
	return v
}
