/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Populates the database with realistic field activity. Every loader goes
	through visits.Operations, so ledgers, transactions, penalties and
	notifications are produced by the same code paths as live traffic.

AVAILABLE SCENARIOS:
	top-performer:     Perfect and high quality visits, one redemption
	missed-visits:     Skipped visits across HIGH, MEDIUM and LOW stores
	quality-review:    Completed visit whose images are reviewed afterwards
	quiet-agent:       Agent with reward alerts off; no points notifications

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create agents
 3. Record visits with images
 4. Apply status changes and quality reviews

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "missed-visits"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:
	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - visits/operations.go: the operations used here
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fieldops/points-engine/points"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "top-performer",
		Name:        "Top Performer",
		Description: "Perfect and high quality visits followed by a reward redemption",
	},
	{
		ID:          "missed-visits",
		Name:        "Missed Visits",
		Description: "Skipped visits at high, medium and low priority stores",
	},
	{
		ID:          "quality-review",
		Name:        "Quality Review",
		Description: "Images reviewed after completion recalculate the award",
	},
	{
		ID:          "quiet-agent",
		Name:        "Quiet Agent",
		Description: "Reward alerts turned off; only QC and visit notifications arrive",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"top-performer":  h.loadTopPerformerScenario,
		"missed-visits":  h.loadMissedVisitsScenario,
		"quality-review": h.loadQualityReviewScenario,
		"quiet-agent":    h.loadQuietAgentScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTopPerformerScenario(ctx context.Context) error {
	if err := h.Store.SaveAgent(ctx, demoAgent("agent-sara", "Sara Al-Harbi")); err != nil {
		return err
	}

	// Perfect, perfect, 4/5 approved.
	if err := h.recordCompleted(ctx, "agent-sara", "visit-sara-1", "store-olaya", points.PriorityHigh, approved(3)...); err != nil {
		return err
	}
	if err := h.recordCompleted(ctx, "agent-sara", "visit-sara-2", "store-malaz", points.PriorityMedium, approved(2)...); err != nil {
		return err
	}
	qualities := append(approved(4), points.QualityPending)
	if err := h.recordCompleted(ctx, "agent-sara", "visit-sara-3", "store-nakheel", points.PriorityLow, qualities...); err != nil {
		return err
	}

	_, err := h.Operations.Processor().RedeemPoints(ctx, "agent-sara", 100, "Fuel voucher")
	return err
}

func (h *Handler) loadMissedVisitsScenario(ctx context.Context) error {
	if err := h.Store.SaveAgent(ctx, demoAgent("agent-omar", "Omar Qahtani")); err != nil {
		return err
	}

	if err := h.recordCompleted(ctx, "agent-omar", "visit-omar-1", "store-olaya", points.PriorityMedium, approved(2)...); err != nil {
		return err
	}
	for i, priority := range []points.Priority{points.PriorityHigh, points.PriorityMedium, points.PriorityLow} {
		visitID := points.VisitID(fmt.Sprintf("visit-omar-skip-%d", i+1))
		storeID := fmt.Sprintf("store-skip-%d", i+1)
		if _, err := h.Operations.RecordVisit(ctx, demoVisit("agent-omar", visitID, storeID, priority)); err != nil {
			return err
		}
		if _, err := h.Operations.SetVisitStatus(ctx, visitID, points.VisitSkipped); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadQualityReviewScenario(ctx context.Context) error {
	if err := h.Store.SaveAgent(ctx, demoAgent("agent-lina", "Lina Mansour")); err != nil {
		return err
	}

	// Completed with nothing reviewed yet: low quality award.
	pending := []points.QualityStatus{points.QualityPending, points.QualityPending, points.QualityPending, points.QualityPending}
	if err := h.recordCompleted(ctx, "agent-lina", "visit-lina-1", "store-olaya", points.PriorityHigh, pending...); err != nil {
		return err
	}

	// QC works through the images: 70 -> 100 at 2/4, then 150 once the
	// rejected one is approved on appeal.
	reviews := []struct {
		image   points.ImageID
		quality points.QualityStatus
	}{
		{"visit-lina-1-img-1", points.QualityApproved},
		{"visit-lina-1-img-2", points.QualityApproved},
		{"visit-lina-1-img-3", points.QualityApproved},
		{"visit-lina-1-img-4", points.QualityRejected},
		{"visit-lina-1-img-4", points.QualityApproved},
	}
	for _, rv := range reviews {
		if _, err := h.Operations.ReviewImage(ctx, rv.image, rv.quality); err != nil {
			return err
		}
	}

	// A second visit ends flagged for review.
	v := demoVisit("agent-lina", "visit-lina-2", "store-malaz", points.PriorityMedium)
	if _, err := h.Operations.RecordVisit(ctx, v); err != nil {
		return err
	}
	_, err := h.Operations.SetVisitStatus(ctx, "visit-lina-2", points.VisitFlagged)
	return err
}

func (h *Handler) loadQuietAgentScenario(ctx context.Context) error {
	agent := demoAgent("agent-yousef", "Yousef Saleh")
	agent.RewardAlerts = false
	if err := h.Store.SaveAgent(ctx, agent); err != nil {
		return err
	}

	if err := h.recordCompleted(ctx, "agent-yousef", "visit-yousef-1", "store-olaya", points.PriorityHigh, points.QualityPending); err != nil {
		return err
	}
	_, err := h.Operations.ReviewImage(ctx, "visit-yousef-1-img-1", points.QualityRejected)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func demoAgent(id points.UserID, name string) points.Agent {
	return points.Agent{ID: id, Name: name, PushEnabled: true, RewardAlerts: true, QCAlerts: true}
}

var storeNames = map[string]string{
	"store-olaya":   "Olaya Hypermarket",
	"store-malaz":   "Malaz Mini Market",
	"store-nakheel": "Nakheel Grocery",
}

func demoVisit(userID points.UserID, visitID points.VisitID, storeID string, priority points.Priority, qualities ...points.QualityStatus) points.Visit {
	name, ok := storeNames[storeID]
	if !ok {
		name = "Store " + storeID
	}
	v := points.Visit{
		ID:      visitID,
		UserID:  userID,
		RouteID: "route-riyadh-north",
		Store:   &points.StoreRef{ID: points.StoreID(storeID), Name: name, Priority: priority},
		Status:  points.VisitInProgress,
	}
	for i, q := range qualities {
		v.Images = append(v.Images, points.Image{ID: points.ImageID(fmt.Sprintf("%s-img-%d", visitID, i+1)), Quality: q})
	}
	return v
}

func (h *Handler) recordCompleted(ctx context.Context, userID points.UserID, visitID points.VisitID, storeID string, priority points.Priority, qualities ...points.QualityStatus) error {
	if _, err := h.Operations.RecordVisit(ctx, demoVisit(userID, visitID, storeID, priority, qualities...)); err != nil {
		return err
	}
	_, err := h.Operations.SetVisitStatus(ctx, visitID, points.VisitCompleted)
	return err
}

func approved(n int) []points.QualityStatus {
	qs := make([]points.QualityStatus, n)
	for i := range qs {
		qs[i] = points.QualityApproved
	}
	return qs
}
