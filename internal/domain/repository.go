package domain

import "context"

// CreditLedger owns all balance mutation. Admit and Refund each execute as a
// single row-locked transaction so concurrent calls for the same user
// serialize at the datastore.
type CreditLedger interface {
	// Admit deducts amount and creates a pending task, or replays an
	// existing (userID, idempotencyKey) admission without deducting again.
	// Returns ErrInsufficientCredits with no side effect when the balance
	// is too low.
	Admit(ctx context.Context, userID, prompt, modelSlug string, amount int, idempotencyKey string) (*AdmitResult, error)
	// Refund restores the task's spent credits exactly once. A second call
	// for the same task reports AlreadyRefunded and changes nothing.
	Refund(ctx context.Context, taskID, reason string) (*RefundResult, error)
	Balance(ctx context.Context, userID string) (*UserCreditBalance, error)
}

// TaskRepository persists generation tasks.
type TaskRepository interface {
	GetByID(ctx context.Context, taskID string) (*GenerationTask, error)
	GetForUser(ctx context.Context, taskID, userID string) (*GenerationTask, error)
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus, errMsg string) error
	SetCompleted(ctx context.Context, taskID, wrapID string) error
	AppendStep(ctx context.Context, taskID string, record StepRecord) error
	ListStale(ctx context.Context, olderThanSeconds int, limit int) ([]GenerationTask, error)
}

// WrapRepository persists generated artifacts.
type WrapRepository interface {
	Create(ctx context.Context, wrap *Wrap) (*Wrap, error)
	GetByTaskID(ctx context.Context, taskID, userID string) (*Wrap, error)
	GetByID(ctx context.Context, wrapID, userID string) (*Wrap, error)
	IncrementDownloads(ctx context.Context, wrapID string) error
	SlugExists(ctx context.Context, slug string) (bool, error)
	// ListByUser returns the user's wraps, newest first.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Wrap, error)
	// SetPublic flips gallery visibility and returns the updated wrap.
	SetPublic(ctx context.Context, wrapID, userID string, public bool) (*Wrap, error)
}
