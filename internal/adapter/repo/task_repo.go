package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wrapserver/internal/domain"
	"wrapserver/internal/infra"
)

// TaskRepositoryPG implements domain.TaskRepository.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

const taskColumns = `id, user_id, prompt, model_slug, status, credits_spent,
	COALESCE(idempotency_key, ''), COALESCE(error_message, ''), COALESCE(wrap_id::text, ''),
	steps, created_at, updated_at`

// GetByID fetches a task by its identifier.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, taskID string) (*domain.GenerationTask, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// GetForUser fetches a task owned by the given user.
func (r *TaskRepositoryPG) GetForUser(ctx context.Context, taskID, userID string) (*domain.GenerationTask, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1 AND user_id = $2`, taskID, userID)
	return scanTask(row)
}

// UpdateStatus moves a task to a new status. Terminal statuses are guarded in
// SQL so a late writer can never reopen a completed or refunded task.
func (r *TaskRepositoryPG) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE generation_tasks
SET status = $2,
    error_message = NULLIF($3, ''),
    updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed_refunded')`,
		taskID, status, errMsg)
	if err != nil {
		return fmt.Errorf("tasks: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCompleted marks the task completed and links the produced wrap.
func (r *TaskRepositoryPG) SetCompleted(ctx context.Context, taskID, wrapID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE generation_tasks
SET status = $2, wrap_id = $3, updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed_refunded')`,
		taskID, domain.TaskStatusCompleted, wrapID)
	if err != nil {
		return fmt.Errorf("tasks: set completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendStep appends one immutable record to the task's step list.
func (r *TaskRepositoryPG) AppendStep(ctx context.Context, taskID string, record domain.StepRecord) error {
	payload, err := json.Marshal([]domain.StepRecord{record})
	if err != nil {
		return fmt.Errorf("tasks: encode step: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE generation_tasks
SET steps = steps || $2::jsonb, updated_at = now()
WHERE id = $1`,
		taskID, payload)
	if err != nil {
		return fmt.Errorf("tasks: append step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStale returns non-terminal tasks older than the given age, oldest
// first. Used by the reaper sweep.
func (r *TaskRepositoryPG) ListStale(ctx context.Context, olderThanSeconds int, limit int) ([]domain.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM generation_tasks
WHERE status IN ('pending', 'processing')
  AND created_at < now() - make_interval(secs => $1)
ORDER BY created_at
LIMIT $2`,
		olderThanSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("tasks: list stale: %w", err)
	}
	defer rows.Close()

	var tasks []domain.GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.GenerationTask, error) {
	var t domain.GenerationTask
	var steps []byte
	if err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Prompt,
		&t.ModelSlug,
		&t.Status,
		&t.CreditsSpent,
		&t.IdempotencyKey,
		&t.ErrorMessage,
		&t.WrapID,
		&steps,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &t.Steps); err != nil {
			return nil, fmt.Errorf("tasks: decode steps: %w", err)
		}
	}
	return &t, nil
}

var _ domain.TaskRepository = (*TaskRepositoryPG)(nil)
