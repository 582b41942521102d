/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes visits, images, ledgers and reports via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the visits
  operations and the points reporter.

ENDPOINTS:
  Agents:
    GET    /api/agents                        List agents
    POST   /api/agents                        Create or update agent
    GET    /api/agents/{id}/points            Ledger plus month progress
    GET    /api/agents/{id}/transactions      Recent log rows (?limit=)
    GET    /api/agents/{id}/activity          EARNED rows (?period=)
    GET    /api/agents/{id}/penalties         Penalty summary (?period=)
    GET    /api/agents/{id}/notifications     Inbox (?limit=)
    POST   /api/agents/{id}/redemptions       Spend available points

  Visits and images:
    POST   /api/visits                        Record visit (with images)
    GET    /api/visits/{id}                   Visit with images
    PUT    /api/visits/{id}/status            Change visit status
    POST   /api/visits/{id}/images            Attach image
    POST   /api/visits/{id}/recalculate       Re-derive the award
    PUT    /api/images/{id}/quality           Record quality decision

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown status/period, insufficient points,
         visit or image ID already taken
  - 404: Visit, image or agent not found
  - 409: Concurrency conflict or duplicate key, safe to retry
  - 500: Data integrity and internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/visits"
	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultListLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer reads directly. Writes go through Operations.
type Store interface {
	points.TxStore
	points.ReportStore
	notify.Sink
	Agents(ctx context.Context) ([]points.Agent, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Operations *visits.Operations
	Reporter   *points.Reporter
	Logger     *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store Store, ops *visits.Operations, reporter *points.Reporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:      store,
		Operations: ops,
		Reporter:   reporter,
		Logger:     logger,
	}
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgents returns all agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.Agents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list agents", err)
		return
	}

	dtos := make([]AgentDTO, len(agents))
	for i, a := range agents {
		dtos[i] = toAgentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgent creates or updates an agent and its notification preferences.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	agent := points.Agent{
		ID:           points.UserID(req.ID),
		Name:         req.Name,
		PushEnabled:  boolOr(req.PushEnabled, true),
		RewardAlerts: boolOr(req.RewardAlerts, true),
		QCAlerts:     boolOr(req.QCAlerts, true),
	}
	if err := h.Store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save agent", err)
		return
	}

	saved, err := h.Store.GetAgent(r.Context(), agent.ID)
	if err != nil {
		writeDomainError(w, "Failed to load agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(*saved))
}

// GetPoints returns the agent's ledger and this month's progress.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))

	summary, err := h.Reporter.PointsSummary(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to get points", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointsSummaryDTO(summary))
}

// GetTransactions returns the agent's most recent points transactions.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	txs, err := h.Store.Transactions(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetActivity returns the EARNED transactions of a report period.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	period, err := points.ParseReportPeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}

	txs, err := h.Reporter.EarnedActivity(r.Context(), userID, period)
	if err != nil {
		writeDomainError(w, "Failed to get activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetPenalties returns the penalty summary of a report period.
func (h *Handler) GetPenalties(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	period, err := points.ParseReportPeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}

	summary, err := h.Reporter.PenaltySummary(r.Context(), userID, period)
	if err != nil {
		writeDomainError(w, "Failed to get penalties", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltySummaryDTO(summary))
}

// GetNotifications returns the agent's inbox, newest first.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	ns, err := h.Store.Notifications(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, "Failed to get notifications", err)
		return
	}
	dtos := make([]NotificationDTO, len(ns))
	for i, n := range ns {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RedeemPoints spends available points on a reward.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Operations.Processor().RedeemPoints(r.Context(), userID, req.Points, req.Description)
	if err != nil {
		writeDomainError(w, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// VISIT AND IMAGE HANDLERS
// =============================================================================

// CreateVisit records a visit. A visit created as COMPLETED or SKIPPED is
// processed immediately.
func (h *Handler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	var req CreateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	out, err := h.Operations.RecordVisit(r.Context(), req.toVisit())
	if err != nil {
		writeDomainError(w, "Failed to record visit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeResponse(out))
}

// GetVisit returns a visit with its images.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVisit(r.Context(), points.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*v))
}

// SetVisitStatus changes a visit's status and applies its points effects.
func (h *Handler) SetVisitStatus(w http.ResponseWriter, r *http.Request) {
	var req VisitStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	visitID := points.VisitID(chi.URLParam(r, "id"))
	out, err := h.Operations.SetVisitStatus(r.Context(), visitID, points.VisitStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to update visit status", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

// AddImage attaches an image to a visit.
func (h *Handler) AddImage(w http.ResponseWriter, r *http.Request) {
	var req AddImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Operations.AddImage(r.Context(), points.Image{
		ID:      points.ImageID(req.ID),
		VisitID: points.VisitID(chi.URLParam(r, "id")),
		Quality: points.QualityStatus(req.QualityStatus),
	})
	if err != nil {
		writeDomainError(w, "Failed to add image", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeResponse(out))
}

// ReviewImage records a quality decision and recalculates the visit award.
func (h *Handler) ReviewImage(w http.ResponseWriter, r *http.Request) {
	var req ImageQualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	imageID := points.ImageID(chi.URLParam(r, "id"))
	out, err := h.Operations.ReviewImage(r.Context(), imageID, points.QualityStatus(req.QualityStatus))
	if err != nil {
		writeDomainError(w, "Failed to review image", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

// RecalculateVisit re-derives a completed visit's award from its images.
func (h *Handler) RecalculateVisit(w http.ResponseWriter, r *http.Request) {
	visitID := points.VisitID(chi.URLParam(r, "id"))
	tx, err := h.Operations.Processor().RecalculateVisitPoints(r.Context(), visitID)
	if err != nil {
		writeDomainError(w, "Failed to recalculate visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(visits.Outcome{Transaction: tx}))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error kind.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case points.IsNotFound(err):
		return http.StatusNotFound
	case points.IsClientError(err):
		return http.StatusBadRequest
	case points.IsRetryable(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
