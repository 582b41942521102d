/*
ledger.go - Balance mutation rules

PURPOSE:
  AddPoints and DeductPoints are the only writers of Ledger fields.
  Processors load the ledger under a row lock, call one of these, and
  persist the result with Store.SaveLedger in the same unit of work.

CRITICAL INVARIANTS:
  1. 0 <= AvailablePoints <= TotalPoints
  2. LifetimePoints never decreases
  3. LifetimePoints only grows on EARNED additions

EXAMPLE FLOW:
  1. Visit completed, 150 points:   total 150, available 150, lifetime 150
  2. High priority visit skipped:   total 50,  available 50,  lifetime 150
  3. Another skip (100 points):     total 0,   available 0,   lifetime 150
*/
package points

// AddPoints credits delta points. Non-positive deltas are ignored.
func (l *Ledger) AddPoints(delta int, txType TransactionType) {
	if delta <= 0 {
		return
	}
	l.TotalPoints += delta
	l.AvailablePoints += delta
	if txType == TxEarned {
		l.LifetimePoints += delta
	}
}

// DeductPoints debits amount points, clamping both balances at zero.
// Lifetime points are untouched.
func (l *Ledger) DeductPoints(amount int) {
	if amount <= 0 {
		return
	}
	l.TotalPoints = max(0, l.TotalPoints-amount)
	l.AvailablePoints = max(0, l.AvailablePoints-amount)
}
