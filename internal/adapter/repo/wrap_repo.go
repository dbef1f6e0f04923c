package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wrapserver/internal/domain"
	"wrapserver/internal/infra"
)

// WrapRepositoryPG implements domain.WrapRepository.
type WrapRepositoryPG struct {
	pool *pgxpool.Pool
}

func NewWrapRepository(pool *pgxpool.Pool) *WrapRepositoryPG {
	return &WrapRepositoryPG{pool: pool}
}

const wrapColumns = `id, COALESCE(generation_task_id::text, ''), user_id, name,
	COALESCE(name_en, ''), COALESCE(description_en, ''), prompt, model_slug, slug,
	texture_url, COALESCE(preview_url, ''), reference_images, is_public, download_count, created_at`

// Create inserts a new wrap row and returns it with its generated id.
func (r *WrapRepositoryPG) Create(ctx context.Context, wrap *domain.Wrap) (*domain.Wrap, error) {
	refs, err := json.Marshal(wrap.ReferenceImages)
	if err != nil {
		return nil, fmt.Errorf("wraps: encode references: %w", err)
	}
	id := wrap.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO wraps (id, generation_task_id, user_id, name, name_en, description_en,
                   prompt, model_slug, slug, texture_url, preview_url, reference_images, is_public)
VALUES ($1, NULLIF($2, '')::uuid, $3, $4, NULLIF($5, ''), NULLIF($6, ''),
        $7, $8, $9, $10, NULLIF($11, ''), $12::jsonb, $13)
RETURNING `+wrapColumns,
		id, wrap.TaskID, wrap.UserID, wrap.Name, wrap.NameEN, wrap.DescriptionEN,
		wrap.Prompt, wrap.ModelSlug, wrap.Slug, wrap.TextureURL, wrap.PreviewURL, refs, wrap.IsPublic,
	)
	return scanWrap(row)
}

// GetByTaskID fetches the wrap produced by a generation task.
func (r *WrapRepositoryPG) GetByTaskID(ctx context.Context, taskID, userID string) (*domain.Wrap, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+wrapColumns+` FROM wraps WHERE generation_task_id = $1 AND user_id = $2`,
		taskID, userID)
	return scanWrap(row)
}

// GetByID fetches a wrap owned by the given user.
func (r *WrapRepositoryPG) GetByID(ctx context.Context, wrapID, userID string) (*domain.Wrap, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+wrapColumns+` FROM wraps WHERE id = $1 AND user_id = $2`,
		wrapID, userID)
	return scanWrap(row)
}

// IncrementDownloads bumps the wrap's download counter.
func (r *WrapRepositoryPG) IncrementDownloads(ctx context.Context, wrapID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE wraps SET download_count = download_count + 1 WHERE id = $1`, wrapID)
	if err != nil {
		return fmt.Errorf("wraps: increment downloads: %w", err)
	}
	return nil
}

// SlugExists reports whether a wrap already uses the slug.
func (r *WrapRepositoryPG) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wraps WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("wraps: slug lookup: %w", err)
	}
	return exists, nil
}

// ListByUser returns the user's wraps, newest first.
func (r *WrapRepositoryPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Wrap, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+wrapColumns+` FROM wraps WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("wraps: list: %w", err)
	}
	defer rows.Close()

	wraps := []domain.Wrap{}
	for rows.Next() {
		w, err := scanWrap(rows)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wraps: list: %w", err)
	}
	return wraps, nil
}

// SetPublic flips gallery visibility for a wrap owned by the user.
func (r *WrapRepositoryPG) SetPublic(ctx context.Context, wrapID, userID string, public bool) (*domain.Wrap, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE wraps SET is_public = $3
WHERE id = $1 AND user_id = $2
RETURNING `+wrapColumns,
		wrapID, userID, public)
	return scanWrap(row)
}

func scanWrap(row pgx.Row) (*domain.Wrap, error) {
	var w domain.Wrap
	var refs []byte
	if err := row.Scan(
		&w.ID,
		&w.TaskID,
		&w.UserID,
		&w.Name,
		&w.NameEN,
		&w.DescriptionEN,
		&w.Prompt,
		&w.ModelSlug,
		&w.Slug,
		&w.TextureURL,
		&w.PreviewURL,
		&refs,
		&w.IsPublic,
		&w.DownloadCount,
		&w.CreatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &w.ReferenceImages); err != nil {
			return nil, fmt.Errorf("wraps: decode references: %w", err)
		}
	}
	return &w, nil
}

var _ domain.WrapRepository = (*WrapRepositoryPG)(nil)
