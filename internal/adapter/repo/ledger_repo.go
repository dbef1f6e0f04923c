package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wrapserver/internal/domain"
	"wrapserver/internal/infra"
)

// LedgerDB is the database surface the ledger needs: transactions for the
// row-locked mutations and direct reads for conflict resolution. Satisfied
// by *pgxpool.Pool.
type LedgerDB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreditLedgerPG implements domain.CreditLedger. Admit and Refund run inside
// a single transaction holding a row lock on the user's balance, so
// concurrent mutations for the same user serialize at the database.
type CreditLedgerPG struct {
	db LedgerDB
}

func NewCreditLedger(db LedgerDB) *CreditLedgerPG {
	return &CreditLedgerPG{db: db}
}

// Admit deducts amount from the user's balance and creates a pending task.
// When idempotencyKey is already bound to a task for this user the existing
// admission is replayed: no deduction, current balance returned.
func (l *CreditLedgerPG) Admit(ctx context.Context, userID, prompt, modelSlug string, amount int, idempotencyKey string) (*domain.AdmitResult, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("ledger: begin admit: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		if result, found, err := l.replay(ctx, tx, userID, idempotencyKey); err != nil {
			return nil, err
		} else if found {
			return result, tx.Commit(ctx)
		}
	}

	var balance int
	err = tx.QueryRow(ctx,
		`SELECT balance FROM user_credits WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrInsufficientCredits
		}
		return nil, fmt.Errorf("ledger: lock balance: %w", err)
	}
	if balance < amount {
		return nil, domain.ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_credits SET balance = balance - $2 WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return nil, fmt.Errorf("ledger: deduct: %w", err)
	}

	taskID := uuid.NewString()
	_, err = tx.Exec(ctx, `
INSERT INTO generation_tasks (id, user_id, prompt, model_slug, status, credits_spent, idempotency_key, steps)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), '[]'::jsonb)`,
		taskID, userID, prompt, modelSlug, domain.TaskStatusPending, amount, idempotencyKey,
	)
	if err != nil {
		// A concurrent admission with the same key won the race; surface
		// its task as a replay instead of failing the caller.
		if infra.IsUniqueViolation(err) && idempotencyKey != "" {
			return l.replayAfterConflict(ctx, userID, idempotencyKey)
		}
		return nil, fmt.Errorf("ledger: create task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: commit admit: %w", err)
	}
	return &domain.AdmitResult{TaskID: taskID, RemainingBalance: balance - amount}, nil
}

func (l *CreditLedgerPG) replay(ctx context.Context, tx pgx.Tx, userID, idempotencyKey string) (*domain.AdmitResult, bool, error) {
	var taskID string
	err := tx.QueryRow(ctx,
		`SELECT id FROM generation_tasks WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey,
	).Scan(&taskID)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ledger: idempotency lookup: %w", err)
	}
	var balance int
	err = tx.QueryRow(ctx,
		`SELECT balance FROM user_credits WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil && !infra.IsNoRows(err) {
		return nil, false, fmt.Errorf("ledger: read balance: %w", err)
	}
	return &domain.AdmitResult{TaskID: taskID, RemainingBalance: balance, Replay: true}, true, nil
}

func (l *CreditLedgerPG) replayAfterConflict(ctx context.Context, userID, idempotencyKey string) (*domain.AdmitResult, error) {
	var taskID string
	var balance int
	err := l.db.QueryRow(ctx, `
SELECT t.id, c.balance
FROM generation_tasks t
JOIN user_credits c ON c.user_id = t.user_id
WHERE t.user_id = $1 AND t.idempotency_key = $2`,
		userID, idempotencyKey,
	).Scan(&taskID, &balance)
	if err != nil {
		return nil, fmt.Errorf("ledger: resolve idempotency conflict: %w", err)
	}
	return &domain.AdmitResult{TaskID: taskID, RemainingBalance: balance, Replay: true}, nil
}

// Refund restores the task's spent credits exactly once. The task row is
// locked first so a concurrent duplicate refund observes failed_refunded and
// reports AlreadyRefunded instead of crediting twice.
func (l *CreditLedgerPG) Refund(ctx context.Context, taskID, reason string) (*domain.RefundResult, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("ledger: begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var status domain.TaskStatus
	var spent int
	err = tx.QueryRow(ctx,
		`SELECT user_id, status, credits_spent FROM generation_tasks WHERE id = $1 FOR UPDATE`,
		taskID,
	).Scan(&userID, &status, &spent)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("ledger: lock task: %w", err)
	}
	if status == domain.TaskStatusFailedRefunded {
		return &domain.RefundResult{AlreadyRefunded: true}, tx.Commit(ctx)
	}
	if status == domain.TaskStatusCompleted {
		return nil, fmt.Errorf("ledger: task %s already completed", taskID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_credits SET balance = balance + $2 WHERE user_id = $1`,
		userID, spent,
	); err != nil {
		return nil, fmt.Errorf("ledger: restore balance: %w", err)
	}

	step, err := json.Marshal([]domain.StepRecord{{
		Step:      "refunded",
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode refund step: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE generation_tasks
SET status = $2,
    error_message = $3,
    steps = steps || $4::jsonb,
    updated_at = now()
WHERE id = $1`,
		taskID, domain.TaskStatusFailedRefunded, reason, step,
	); err != nil {
		return nil, fmt.Errorf("ledger: mark refunded: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: commit refund: %w", err)
	}
	return &domain.RefundResult{RefundedAmount: spent}, nil
}

// Balance returns the user's current credit balance.
func (l *CreditLedgerPG) Balance(ctx context.Context, userID string) (*domain.UserCreditBalance, error) {
	var b domain.UserCreditBalance
	b.UserID = userID
	err := l.db.QueryRow(ctx,
		`SELECT balance, total_earned FROM user_credits WHERE user_id = $1`,
		userID,
	).Scan(&b.Balance, &b.TotalEarned)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("ledger: read balance: %w", err)
	}
	return &b, nil
}

var _ domain.CreditLedger = (*CreditLedgerPG)(nil)
