package api_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldops/points-engine/api"
	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/rules"
	"github.com/fieldops/points-engine/store/sqlite"
	"github.com/fieldops/points-engine/visits"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newServer(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := notify.NewEmitter(store, notify.SinkNotifier{Sink: store}, logger)
	processor := visits.NewProcessor(store, rules.Default(), emitter)
	ops := visits.NewOperations(store, processor, logger)
	reporter := points.NewReporter(store, store, points.DefaultMonthTarget)

	return api.NewRouter(api.NewHandler(store, ops, reporter, logger))
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createAgent(t *testing.T, h http.Handler, id string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/agents", api.CreateAgentRequest{ID: id, Name: "Agent " + id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func visitRequest(id, userID, priority, status string, qualities ...string) api.CreateVisitRequest {
	req := api.CreateVisitRequest{
		ID:     id,
		UserID: userID,
		Store:  &api.StoreDTO{ID: "store-" + id, Name: "Olaya Hypermarket", Priority: priority},
		Status: status,
	}
	for i, q := range qualities {
		req.Images = append(req.Images, api.AddImageRequest{ID: id + "-img-" + string(rune('a'+i)), QualityStatus: q})
	}
	return req
}

func TestAPI_CompletingVisitAwardsPoints(t *testing.T) {
	// GIVEN: An agent with an in-progress visit with two approved images
	h := newServer(t)
	createAgent(t, h, "a1")

	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", "", "APPROVED", "APPROVED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.OutcomeResponse](t, rec)
	assert.Equal(t, "IN_PROGRESS", created.Visit.Status)
	assert.Nil(t, created.Transaction)

	// WHEN: The visit is completed
	rec = do(t, h, http.MethodPut, "/api/visits/v1/status", api.VisitStatusRequest{Status: "COMPLETED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: A perfect visit award is returned and reflected in the summary
	out := decode[api.OutcomeResponse](t, rec)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, 150, out.Transaction.Points)
	assert.Equal(t, "PERFECT_VISIT", out.Transaction.ActivityType)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[api.PointsSummaryDTO](t, rec)
	assert.Equal(t, 150, summary.TotalPoints)
	assert.Equal(t, 150, summary.LifetimePoints)
	assert.Equal(t, 150, summary.CurrentMonthPoints)
	assert.Equal(t, 2000, summary.MonthTarget)
	assert.Equal(t, 7.5, summary.ProgressPercent)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inbox := decode[[]api.NotificationDTO](t, rec)
	require.Len(t, inbox, 2)
	assert.Equal(t, "STORE_VISIT_COMPLETED", inbox[0].Type)
	assert.Equal(t, "POINTS_EARNED", inbox[1].Type)
	assert.Equal(t, "150 Points Earned", inbox[1].Title)
}

func TestAPI_SkippedVisitIssuesPenalty(t *testing.T) {
	// GIVEN: An agent with some points
	h := newServer(t)
	createAgent(t, h, "a1")
	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "LOW", "COMPLETED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: A medium priority visit is recorded as skipped
	rec = do(t, h, http.MethodPost, "/api/visits", visitRequest("v2", "a1", "MEDIUM", "SKIPPED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The penalty is issued and deducted
	out := decode[api.OutcomeResponse](t, rec)
	require.NotNil(t, out.Penalty)
	assert.Equal(t, "75.00", out.Penalty.Amount)
	assert.Equal(t, 75, out.Penalty.PointsDeducted)
	assert.Equal(t, "Missed visit to Olaya Hypermarket (Medium Priority)", out.Penalty.Reason)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, -75, out.Transaction.Points)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/penalties?period=all_time", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	penalties := decode[api.PenaltySummaryDTO](t, rec)
	assert.Equal(t, "all_time", penalties.Period)
	assert.Equal(t, "75.00", penalties.TotalAmount)
	assert.Equal(t, 1, penalties.StoresMissed)
	require.Len(t, penalties.Penalties, 1)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/points", nil)
	summary := decode[api.PointsSummaryDTO](t, rec)
	assert.Equal(t, 25, summary.TotalPoints)
	assert.Equal(t, 25, summary.AvailablePoints)
	assert.Equal(t, 100, summary.LifetimePoints)
}

func TestAPI_ReviewingImagesRecalculatesAward(t *testing.T) {
	// GIVEN: A completed visit whose two images are still pending (70 points)
	h := newServer(t)
	createAgent(t, h, "a1")
	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", "COMPLETED", "PENDING", "PENDING"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 70, decode[api.OutcomeResponse](t, rec).Transaction.Points)

	// WHEN: Both images are approved
	for _, id := range []string{"v1-img-a", "v1-img-b"} {
		rec = do(t, h, http.MethodPut, "/api/images/"+id+"/quality", api.ImageQualityRequest{QualityStatus: "APPROVED"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// THEN: The single EARNED row now holds the perfect award
	rec = do(t, h, http.MethodGet, "/api/agents/a1/activity?period=this_month", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	activity := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, activity, 1)
	assert.Equal(t, 150, activity[0].Points)
	assert.Equal(t, "PERFECT_VISIT", activity[0].ActivityType)

	// AND: An explicit recalculation changes nothing
	rec = do(t, h, http.MethodPost, "/api/visits/v1/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 150, decode[api.OutcomeResponse](t, rec).Transaction.Points)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/points", nil)
	assert.Equal(t, 150, decode[api.PointsSummaryDTO](t, rec).TotalPoints)
}

func TestAPI_AddImageDoesNotChangePoints(t *testing.T) {
	h := newServer(t)
	createAgent(t, h, "a1")
	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", "COMPLETED", "APPROVED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/visits/v1/images", api.AddImageRequest{ID: "late", QualityStatus: "REJECTED"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[api.OutcomeResponse](t, rec)
	assert.Nil(t, out.Transaction)
	assert.Len(t, out.Visit.Images, 2)

	rec = do(t, h, http.MethodGet, "/api/visits/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[api.VisitDTO](t, rec).Images, 2)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/points", nil)
	assert.Equal(t, 150, decode[api.PointsSummaryDTO](t, rec).TotalPoints)
}

func TestAPI_DuplicateIDsAreRejected(t *testing.T) {
	// GIVEN: A perfect visit that earned 150 points
	h := newServer(t)
	createAgent(t, h, "a1")
	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", "COMPLETED", "APPROVED", "APPROVED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: The same visit ID is posted again
	rec = do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "LOW", "", "REJECTED"))

	// THEN: It is a client error, not a retryable conflict
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// WHEN: An image is added under an existing image ID
	rec = do(t, h, http.MethodPost, "/api/visits/v1/images", api.AddImageRequest{ID: "v1-img-a", QualityStatus: "REJECTED"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// THEN: The visit and the award are unchanged
	rec = do(t, h, http.MethodGet, "/api/visits/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[api.VisitDTO](t, rec)
	require.Len(t, v.Images, 2)
	assert.Equal(t, "APPROVED", v.Images[0].QualityStatus)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/points", nil)
	assert.Equal(t, 150, decode[api.PointsSummaryDTO](t, rec).TotalPoints)
}

func TestAPI_Redemption(t *testing.T) {
	h := newServer(t)
	createAgent(t, h, "a1")

	// Nothing to spend yet.
	rec := do(t, h, http.MethodPost, "/api/agents/a1/redemptions", api.RedeemRequest{Points: 50})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", "COMPLETED"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/agents/a1/redemptions", api.RedeemRequest{Points: 60, Description: "Fuel voucher"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[api.TransactionDTO](t, rec)
	assert.Equal(t, -60, tx.Points)
	assert.Equal(t, "REDEEMED", tx.Type)
	assert.Equal(t, "REWARD_REDEMPTION", tx.ActivityType)

	rec = do(t, h, http.MethodGet, "/api/agents/a1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "REDEEMED", txs[0].Type)

	rec = do(t, h, http.MethodPost, "/api/agents/a1/redemptions", api.RedeemRequest{Points: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ErrorStatuses(t *testing.T) {
	h := newServer(t)
	createAgent(t, h, "a1")
	rec := do(t, h, http.MethodPost, "/api/visits", visitRequest("v1", "a1", "HIGH", ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown status", http.MethodPut, "/api/visits/v1/status", api.VisitStatusRequest{Status: "DONE"}, http.StatusBadRequest},
		{"unknown visit", http.MethodPut, "/api/visits/nope/status", api.VisitStatusRequest{Status: "COMPLETED"}, http.StatusNotFound},
		{"unknown image", http.MethodPut, "/api/images/nope/quality", api.ImageQualityRequest{QualityStatus: "APPROVED"}, http.StatusNotFound},
		{"unknown quality", http.MethodPut, "/api/images/nope/quality", api.ImageQualityRequest{QualityStatus: "MAYBE"}, http.StatusBadRequest},
		{"bad period", http.MethodGet, "/api/agents/a1/activity?period=last_year", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/agents/a1/transactions?limit=-1", nil, http.StatusBadRequest},
		{"missing user", http.MethodPost, "/api/visits", api.CreateVisitRequest{ID: "v9"}, http.StatusBadRequest},
		{"missing agent name", http.MethodPost, "/api/agents", api.CreateAgentRequest{ID: "a2"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestAPI_AgentPreferencesDefaultOn(t *testing.T) {
	h := newServer(t)
	off := false

	rec := do(t, h, http.MethodPost, "/api/agents", api.CreateAgentRequest{ID: "a1", Name: "Amal", RewardAlerts: &off})
	require.Equal(t, http.StatusCreated, rec.Code)
	agent := decode[api.AgentDTO](t, rec)
	assert.True(t, agent.PushEnabled)
	assert.False(t, agent.RewardAlerts)
	assert.True(t, agent.QCAlerts)

	rec = do(t, h, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AgentDTO](t, rec), 1)
}

func TestAPI_ScenarioLoadAndReset(t *testing.T) {
	h := newServer(t)

	rec := do(t, h, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), 4)

	rec = do(t, h, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "missed-visits"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "missed-visits", decode[api.ScenarioDTO](t, rec).ID)

	rec = do(t, h, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/agents", nil)
	assert.Empty(t, decode[[]api.AgentDTO](t, rec))
}

func TestAPI_Healthz(t *testing.T) {
	rec := do(t, newServer(t), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
