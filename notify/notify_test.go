package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/points/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	sent []notify.Notification
	err  error
}

func (c *captured) Notify(_ context.Context, n notify.Notification) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func newEmitter(t *testing.T, agent points.Agent) (*notify.Emitter, *captured) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveAgent(context.Background(), agent))
	c := &captured{}
	return notify.NewEmitter(mem, c, nil), c
}

func allOn(id points.UserID) points.Agent {
	return points.Agent{ID: id, Name: "Agent", PushEnabled: true, RewardAlerts: true, QCAlerts: true}
}

// =============================================================================
// PREFERENCES
// =============================================================================

func TestShouldSend(t *testing.T) {
	tests := []struct {
		name  string
		agent points.Agent
		kind  notify.Kind
		want  bool
	}{
		{"push off blocks everything", points.Agent{RewardAlerts: true, QCAlerts: true}, notify.KindPenaltyIssued, false},
		{"reward alerts gate earned", points.Agent{PushEnabled: true, QCAlerts: true}, notify.KindPointsEarned, false},
		{"reward alerts gate deducted", points.Agent{PushEnabled: true}, notify.KindPointsDeducted, false},
		{"qc alerts gate approved", points.Agent{PushEnabled: true, RewardAlerts: true}, notify.KindImageApproved, false},
		{"qc alerts gate rejected", points.Agent{PushEnabled: true}, notify.KindImageRejected, false},
		{"penalty needs push only", points.Agent{PushEnabled: true}, notify.KindPenaltyIssued, true},
		{"visit needs push only", points.Agent{PushEnabled: true}, notify.KindStoreVisitFlagged, true},
		{"earned with reward alerts", points.Agent{PushEnabled: true, RewardAlerts: true}, notify.KindPointsEarned, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, notify.ShouldSend(tt.agent, tt.kind))
		})
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestBuild_PointsEarned(t *testing.T) {
	e, _ := newEmitter(t, allOn("a1"))
	ev, ok := notify.PointsEvent(points.Transaction{
		UserID:      "a1",
		Points:      150,
		Activity:    points.ActivityPerfectVisit,
		Description: "Perfect visit - all 3 images approved",
	})
	require.True(t, ok)

	n := e.Build(ev)
	assert.Equal(t, notify.KindPointsEarned, n.Kind)
	assert.Equal(t, "150 Points Earned", n.Title)
	assert.Equal(t, "Perfect visit - all 3 images approved", n.Message)
	assert.Equal(t, notify.PriorityMedium, n.Priority)
	assert.Equal(t, 150, n.Metadata["points"])
	assert.NotEmpty(t, n.ID)
}

func TestBuild_PointsDeductedWithoutDescription(t *testing.T) {
	e, _ := newEmitter(t, allOn("a1"))
	ev, ok := notify.PointsEvent(points.Transaction{UserID: "a1", Points: -75, Activity: points.ActivityMissedVisitPenalty})
	require.True(t, ok)

	n := e.Build(ev)
	assert.Equal(t, "75 Points Deducted", n.Title)
	assert.Equal(t, "75 points deducted for MISSED_VISIT_PENALTY.", n.Message)
}

func TestPointsEvent_ZeroIsNotAnnounced(t *testing.T) {
	_, ok := notify.PointsEvent(points.Transaction{Points: 0})
	assert.False(t, ok)
}

func TestBuild_PenaltyIssued(t *testing.T) {
	e, _ := newEmitter(t, allOn("a1"))
	n := e.Build(notify.PenaltyEvent(points.Penalty{
		UserID:         "a1",
		Type:           points.PenaltyFinancial,
		Amount:         decimal.NewFromInt(100),
		PointsDeducted: 100,
		Reason:         "Missed visit to Corner Shop (High Priority)",
	}))

	assert.Equal(t, "Penalty Issued", n.Title)
	assert.Equal(t, "A penalty has been issued for FINANCIAL. Amount: 100.00 SAR Points deducted: 100 points", n.Message)
	assert.Equal(t, notify.PriorityHigh, n.Priority)
	assert.Equal(t, "100.00", n.Metadata["amount"])
}

func TestBuild_PenaltyReasonCutOnRuneBoundary(t *testing.T) {
	e, _ := newEmitter(t, allOn("a1"))
	reason := "Missed visit to " + strings.Repeat("سوق", 40)

	n := e.Build(notify.PenaltyEvent(points.Penalty{UserID: "a1", Type: points.PenaltyFinancial, Reason: reason}))

	got, ok := n.Metadata["reason"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(reason, got))
}

func TestBuild_VisitAndImage(t *testing.T) {
	e, _ := newEmitter(t, allOn("a1"))
	v := points.Visit{UserID: "a1", Store: &points.StoreRef{Name: "Corner Shop"}, Status: points.VisitFlagged}

	ev, ok := notify.VisitEvent(v)
	require.True(t, ok)
	n := e.Build(ev)
	assert.Equal(t, "Store Visit Flagged", n.Title)
	assert.Equal(t, "Store visit to Corner Shop has been flagged for review.", n.Message)
	assert.Equal(t, notify.PriorityHigh, n.Priority)

	ev, ok = notify.ImageEvent(v, points.Image{ID: "i1", Quality: points.QualityApproved})
	require.True(t, ok)
	n = e.Build(ev)
	assert.Equal(t, "Image Approved", n.Title)
	assert.Equal(t, "Your image from Corner Shop has been approved by quality check.", n.Message)

	_, ok = notify.VisitEvent(points.Visit{Status: points.VisitSkipped})
	assert.False(t, ok)
	_, ok = notify.ImageEvent(v, points.Image{Quality: points.QualityPending})
	assert.False(t, ok)
}

// =============================================================================
// EMIT
// =============================================================================

func TestEmit_FiltersByPreferences(t *testing.T) {
	// GIVEN: An agent with QC alerts off
	agent := allOn("a1")
	agent.QCAlerts = false
	e, c := newEmitter(t, agent)
	v := points.Visit{UserID: "a1", Status: points.VisitCompleted}

	visitEv, _ := notify.VisitEvent(v)
	imageEv, _ := notify.ImageEvent(v, points.Image{Quality: points.QualityRejected})

	// WHEN: A visit and an image event are emitted
	e.Emit(context.Background(), visitEv, imageEv)

	// THEN: Only the visit notification is delivered
	require.Len(t, c.sent, 1)
	assert.Equal(t, notify.KindStoreVisitCompleted, c.sent[0].Kind)
}

func TestEmit_DeliveryFailureIsSwallowed(t *testing.T) {
	e, c := newEmitter(t, allOn("a1"))
	c.err = errors.New("push gateway down")

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), notify.PenaltyEvent(points.Penalty{UserID: "a1"}))
	})
	assert.Empty(t, c.sent)
}

func TestEmit_UnknownAgentIsSkipped(t *testing.T) {
	e, c := newEmitter(t, allOn("a1"))
	e.Emit(context.Background(), notify.PenaltyEvent(points.Penalty{UserID: "ghost"}))
	assert.Empty(t, c.sent)
}
