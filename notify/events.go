package notify

import "github.com/fieldops/points-engine/points"

// Event is something the engine wants announced to an agent.
// Exactly the fields relevant to Kind are set.
type Event struct {
	Kind        Kind
	UserID      points.UserID
	Transaction *points.Transaction
	Penalty     *points.Penalty
	Visit       *points.Visit
	Image       *points.Image
}

// PointsEvent announces a new transaction. Zero-point rows are not announced.
func PointsEvent(tx points.Transaction) (Event, bool) {
	switch {
	case tx.Points > 0:
		return Event{Kind: KindPointsEarned, UserID: tx.UserID, Transaction: &tx}, true
	case tx.Points < 0:
		return Event{Kind: KindPointsDeducted, UserID: tx.UserID, Transaction: &tx}, true
	}
	return Event{}, false
}

func PenaltyEvent(p points.Penalty) Event {
	return Event{Kind: KindPenaltyIssued, UserID: p.UserID, Penalty: &p}
}

// VisitEvent announces a visit reaching COMPLETED or FLAGGED.
func VisitEvent(v points.Visit) (Event, bool) {
	switch v.Status {
	case points.VisitCompleted:
		return Event{Kind: KindStoreVisitCompleted, UserID: v.UserID, Visit: &v}, true
	case points.VisitFlagged:
		return Event{Kind: KindStoreVisitFlagged, UserID: v.UserID, Visit: &v}, true
	}
	return Event{}, false
}

// ImageEvent announces a quality decision on an image of v.
func ImageEvent(v points.Visit, img points.Image) (Event, bool) {
	switch img.Quality {
	case points.QualityApproved:
		return Event{Kind: KindImageApproved, UserID: v.UserID, Visit: &v, Image: &img}, true
	case points.QualityRejected:
		return Event{Kind: KindImageRejected, UserID: v.UserID, Visit: &v, Image: &img}, true
	}
	return Event{}, false
}
