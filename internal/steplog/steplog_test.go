package steplog

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"wrapserver/internal/domain"
)

type recordingTasks struct {
	domain.TaskRepository
	appended []domain.StepRecord
	taskIDs  []string
	err      error
}

func (r *recordingTasks) AppendStep(_ context.Context, taskID string, record domain.StepRecord) error {
	if r.err != nil {
		return r.err
	}
	r.taskIDs = append(r.taskIDs, taskID)
	r.appended = append(r.appended, record)
	return nil
}

func TestLogAppendsRecord(t *testing.T) {
	tasks := &recordingTasks{}
	l := New(tasks, zerolog.Nop())

	l.Log(context.Background(), "task-1", "ai_call_start", "processing")

	if len(tasks.appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(tasks.appended))
	}
	rec := tasks.appended[0]
	if rec.Step != "ai_call_start" || rec.Status != "processing" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestLogWithReason(t *testing.T) {
	tasks := &recordingTasks{}
	l := New(tasks, zerolog.Nop())

	l.Log(context.Background(), "task-1", "failed", "failed", "upstream timeout")

	if rec := tasks.appended[0]; rec.Reason != "upstream timeout" {
		t.Fatalf("reason = %q", rec.Reason)
	}
}

func TestLogSwallowsRepositoryError(t *testing.T) {
	tasks := &recordingTasks{err: errors.New("db down")}
	l := New(tasks, zerolog.Nop())

	// Must not panic and must not propagate.
	l.Log(context.Background(), "task-1", "completed")
}

func TestLogDropsEmptyTaskID(t *testing.T) {
	tasks := &recordingTasks{}
	l := New(tasks, zerolog.Nop())

	l.Log(context.Background(), "  ", "ai_call_start")

	if len(tasks.appended) != 0 {
		t.Fatalf("step with no task id must be dropped")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(context.Background(), "task-1", "completed")
}
