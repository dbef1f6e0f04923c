package domain

// UserCreditBalance tracks a user's spendable credits. Mutated only through
// the ledger's atomic admit/refund operations.
type UserCreditBalance struct {
	UserID      string
	Balance     int
	TotalEarned int
}

// AdmitResult is the outcome of a ledger admission.
type AdmitResult struct {
	TaskID           string
	RemainingBalance int
	// Replay is true when the idempotency key was already bound to an
	// existing task; no deduction happened and TaskID references that task.
	Replay bool
}

// RefundResult is the outcome of a ledger refund.
type RefundResult struct {
	// AlreadyRefunded is true when the task was failed_refunded before the
	// call; the balance was not touched again.
	AlreadyRefunded bool
	RefundedAmount  int
}
