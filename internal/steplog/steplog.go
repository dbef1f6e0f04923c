// Package steplog appends audit steps to generation tasks. Logging a step is
// best-effort by contract: a failed append is reported to the operational log
// and swallowed so it can never mask the business error being handled.
package steplog

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wrapserver/internal/domain"
)

// Logger writes append-only StepRecords for tasks.
type Logger struct {
	tasks domain.TaskRepository
	log   zerolog.Logger
	now   func() time.Time
}

func New(tasks domain.TaskRepository, log zerolog.Logger) *Logger {
	return &Logger{tasks: tasks, log: log, now: time.Now}
}

// Log appends a step to the task's audit trail. Safe to call from any
// error-handling context, including outermost handlers: it never returns an
// error and never panics.
func (l *Logger) Log(ctx context.Context, taskID, step string, statusAndReason ...string) {
	if l == nil {
		return
	}
	if strings.TrimSpace(taskID) == "" {
		l.log.Warn().Str("step", step).Msg("steplog: no task id, step dropped")
		return
	}
	record := domain.StepRecord{Step: step, Timestamp: l.now().UTC()}
	if len(statusAndReason) > 0 {
		record.Status = statusAndReason[0]
	}
	if len(statusAndReason) > 1 {
		record.Reason = statusAndReason[1]
	}
	if err := l.tasks.AppendStep(ctx, taskID, record); err != nil {
		l.log.Error().Err(err).
			Str("task_id", taskID).
			Str("step", step).
			Msg("steplog: append failed")
		return
	}
	l.log.Debug().Str("task_id", taskID).Str("step", step).Msg("steplog: appended")
}
