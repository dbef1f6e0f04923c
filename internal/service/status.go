package service

import (
	"context"
	"errors"

	"wrapserver/internal/domain"
)

// Status endpoint outcomes.
const (
	StatusPending          = "pending"
	StatusFailed           = "failed"
	StatusCompleted        = "completed"
	StatusCompletedMissing = "completed_missing"
)

// StatusResult is the resolved state of one task for its owner.
type StatusResult struct {
	State string
	Task  *domain.GenerationTask
	Wrap  *domain.Wrap
}

// StatusByTask resolves what a poller should see for (user, task). The wrap
// row is the authority for completion: a task marked completed whose wrap is
// gone reports completed_missing rather than handing out a dead link.
func (s *GenerationService) StatusByTask(ctx context.Context, userID, taskID string) (*StatusResult, error) {
	task, err := s.tasks.GetForUser(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}

	wrap, err := s.wraps.GetByTaskID(ctx, taskID, userID)
	if err == nil && wrap.TextureURL != "" {
		return &StatusResult{State: StatusCompleted, Task: task, Wrap: wrap}, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	switch task.Status {
	case domain.TaskStatusFailed, domain.TaskStatusFailedRefunded:
		return &StatusResult{State: StatusFailed, Task: task}, nil
	case domain.TaskStatusCompleted:
		return &StatusResult{State: StatusCompletedMissing, Task: task}, nil
	default:
		return &StatusResult{State: StatusPending, Task: task}, nil
	}
}

// RefundTask applies a manual refund for a stuck or disputed task. Thin
// wrapper so handlers never touch the ledger directly.
func (s *GenerationService) RefundTask(ctx context.Context, taskID, reason string) (*domain.RefundResult, error) {
	if reason == "" {
		reason = "manual refund"
	}
	res, err := s.ledger.Refund(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	if !res.AlreadyRefunded {
		s.steps.Log(ctx, taskID, "refunded", string(domain.TaskStatusFailedRefunded), reason)
		s.log.Info().Str("task_id", taskID).Int("credits", res.RefundedAmount).Msg("generation: manual refund applied")
	}
	return res, nil
}

// Balance exposes the caller's credit balance.
func (s *GenerationService) Balance(ctx context.Context, userID string) (*domain.UserCreditBalance, error) {
	return s.ledger.Balance(ctx, userID)
}

// TaskSteps returns the audit trail for the owner of a task.
func (s *GenerationService) TaskSteps(ctx context.Context, userID, taskID string) ([]domain.StepRecord, error) {
	task, err := s.tasks.GetForUser(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	return task.Steps, nil
}

// ListWraps returns a page of the caller's generation history, newest first.
// Limit is clamped to 1..100 with a default of 20.
func (s *GenerationService) ListWraps(ctx context.Context, userID string, limit, offset int) ([]domain.Wrap, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.wraps.ListByUser(ctx, userID, limit, offset)
}

// PublishWrap toggles a wrap's public gallery visibility for its owner.
func (s *GenerationService) PublishWrap(ctx context.Context, userID, wrapID string, public bool) (*domain.Wrap, error) {
	wrap, err := s.wraps.SetPublic(ctx, wrapID, userID, public)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("wrap_id", wrap.ID).Bool("public", public).Msg("generation: wrap visibility changed")
	return wrap, nil
}

// WrapForDownload fetches a wrap and bumps its download counter. The counter
// update is best-effort.
func (s *GenerationService) WrapForDownload(ctx context.Context, userID, wrapID string) (*domain.Wrap, error) {
	wrap, err := s.wraps.GetByID(ctx, wrapID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.wraps.IncrementDownloads(ctx, wrap.ID); err != nil {
		s.log.Warn().Err(err).Str("wrap_id", wrap.ID).Msg("generation: download counter update failed")
	}
	return wrap, nil
}
