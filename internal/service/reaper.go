package service

import "context"

// ReapStale fails and refunds tasks stuck in pending or processing longer
// than maxAgeSeconds. Returns the number of tasks reaped. Intended for a
// periodic sweep; each task is handled independently so one bad row does not
// stop the batch.
func (s *GenerationService) ReapStale(ctx context.Context, maxAgeSeconds, limit int) (int, error) {
	if maxAgeSeconds <= 0 {
		return 0, nil
	}
	stale, err := s.tasks.ListStale(ctx, maxAgeSeconds, limit)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, task := range stale {
		if task.Status.Terminal() {
			continue
		}
		s.log.Warn().
			Str("task_id", task.ID).
			Str("status", string(task.Status)).
			Time("created_at", task.CreatedAt).
			Msg("generation: reaping stale task")
		s.failTask(ctx, task.ID, "task exceeded maximum processing time")
		reaped++
	}
	return reaped, nil
}
