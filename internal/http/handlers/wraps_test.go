package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"wrapserver/internal/domain"
	"wrapserver/internal/middleware"
	"wrapserver/internal/service"
	"wrapserver/internal/statuscache"
)

type stubService struct {
	generateRes *service.GenerateResult
	generateErr error
	lastGen     service.GenerateRequest

	statusRes *service.StatusResult
	statusErr error

	refundRes *domain.RefundResult
	refundErr error

	steps []domain.StepRecord

	wrap *domain.Wrap

	wrapList    []domain.Wrap
	lastLimit   int
	lastOffset  int
	publishArgs struct {
		wrapID string
		public bool
	}
}

func (s *stubService) Generate(_ context.Context, req service.GenerateRequest) (*service.GenerateResult, error) {
	s.lastGen = req
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return s.generateRes, nil
}

func (s *stubService) StatusByTask(_ context.Context, _, _ string) (*service.StatusResult, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.statusRes, nil
}

func (s *stubService) RefundTask(_ context.Context, _, _ string) (*domain.RefundResult, error) {
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	return s.refundRes, nil
}

func (s *stubService) Balance(_ context.Context, userID string) (*domain.UserCreditBalance, error) {
	return &domain.UserCreditBalance{UserID: userID, Balance: 80, TotalEarned: 100}, nil
}

func (s *stubService) TaskSteps(_ context.Context, _, _ string) ([]domain.StepRecord, error) {
	return s.steps, nil
}

func (s *stubService) WrapForDownload(_ context.Context, _, _ string) (*domain.Wrap, error) {
	if s.wrap == nil {
		return nil, domain.ErrNotFound
	}
	return s.wrap, nil
}

func (s *stubService) ListWraps(_ context.Context, _ string, limit, offset int) ([]domain.Wrap, error) {
	s.lastLimit = limit
	s.lastOffset = offset
	return s.wrapList, nil
}

func (s *stubService) PublishWrap(_ context.Context, _, wrapID string, public bool) (*domain.Wrap, error) {
	s.publishArgs.wrapID = wrapID
	s.publishArgs.public = public
	if s.wrap == nil {
		return nil, domain.ErrNotFound
	}
	out := *s.wrap
	out.IsPublic = public
	return &out, nil
}

func newTestApp(svc *stubService) *App {
	cache := statuscache.New(nil, 0, 0, zerolog.Nop())
	return NewApp(svc, cache, zerolog.Nop(), 5)
}

func authedRequest(method, target, body, userID string, params map[string]string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := req.Context()
	if userID != "" {
		ctx = middleware.ContextWithUserID(ctx, userID)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestGenerateWrapSuccess(t *testing.T) {
	svc := &stubService{generateRes: &service.GenerateResult{
		TaskID:           "task-1",
		WrapID:           "wrap-1",
		Wrap:             &domain.Wrap{ID: "wrap-1", TaskID: "task-1", TextureURL: "https://cdn/x.png"},
		RemainingBalance: 90,
	}}
	app := newTestApp(svc)

	body := `{"model_slug":"cybertruck","prompt":"neon city"}`
	req := authedRequest(http.MethodPost, "/v1/wraps/generate", body, "user-1", nil)
	req.Header.Set("Idempotency-Key", "idem-9")
	rec := httptest.NewRecorder()
	app.GenerateWrap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["task_id"] != "task-1" {
		t.Fatalf("task_id = %v", got["task_id"])
	}
	if got["remaining_credits"] != float64(90) {
		t.Fatalf("remaining_credits = %v", got["remaining_credits"])
	}
	if svc.lastGen.IdempotencyKey != "idem-9" {
		t.Fatalf("idempotency key not taken from header: %q", svc.lastGen.IdempotencyKey)
	}
}

func TestGenerateWrapUnauthorized(t *testing.T) {
	app := newTestApp(&stubService{})
	req := authedRequest(http.MethodPost, "/v1/wraps/generate", `{}`, "", nil)
	rec := httptest.NewRecorder()
	app.GenerateWrap(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateWrapErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"empty prompt", domain.ErrEmptyPrompt, http.StatusBadRequest},
		{"invalid model", domain.ErrInvalidModel, http.StatusBadRequest},
		{"reference too large", domain.ErrReferenceTooLarge, http.StatusRequestEntityTooLarge},
		{"insufficient credits", domain.ErrInsufficientCredits, http.StatusPaymentRequired},
		{"inference failure", service.ErrUpstreamInference, http.StatusInternalServerError},
		{"unexpected", errors.New("pq: connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(&stubService{generateErr: tc.err})
			req := authedRequest(http.MethodPost, "/v1/wraps/generate", `{"model_slug":"cybertruck","prompt":"x"}`, "user-1", nil)
			rec := httptest.NewRecorder()
			app.GenerateWrap(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			got := decodeBody(t, rec)
			if msg, _ := got["error"].(string); strings.Contains(msg, "pq:") {
				t.Fatalf("raw driver error leaked to client: %q", msg)
			}
		})
	}
}

func TestGenerateWrapReplayPending(t *testing.T) {
	app := newTestApp(&stubService{generateRes: &service.GenerateResult{
		TaskID: "task-1", Replay: true, Pending: true, RemainingBalance: 90,
	}})
	req := authedRequest(http.MethodPost, "/v1/wraps/generate", `{"model_slug":"cybertruck","prompt":"x"}`, "user-1", nil)
	rec := httptest.NewRecorder()
	app.GenerateWrap(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	got := decodeBody(t, rec)
	if got["status"] != "pending" || got["replay"] != true {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestWrapByTaskPending(t *testing.T) {
	app := newTestApp(&stubService{statusRes: &service.StatusResult{
		State: service.StatusPending,
		Task:  &domain.GenerationTask{ID: "task-1", Status: domain.TaskStatusPending},
	}})
	req := authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", map[string]string{"taskID": "task-1"})
	rec := httptest.NewRecorder()
	app.WrapByTask(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestWrapByTaskCompleted(t *testing.T) {
	app := newTestApp(&stubService{statusRes: &service.StatusResult{
		State: service.StatusCompleted,
		Task:  &domain.GenerationTask{ID: "task-1", Status: domain.TaskStatusCompleted},
		Wrap:  &domain.Wrap{ID: "wrap-1", TaskID: "task-1", TextureURL: "https://cdn/x.png"},
	}})
	req := authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", map[string]string{"taskID": "task-1"})
	rec := httptest.NewRecorder()
	app.WrapByTask(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["status"] != "completed" {
		t.Fatalf("status field = %v", got["status"])
	}
	wrap, _ := got["wrap"].(map[string]any)
	if wrap == nil || wrap["texture_url"] != "https://cdn/x.png" {
		t.Fatalf("wrap payload = %v", got["wrap"])
	}
}

func TestWrapByTaskFailedCarriesRefundFlag(t *testing.T) {
	app := newTestApp(&stubService{statusRes: &service.StatusResult{
		State: service.StatusFailed,
		Task: &domain.GenerationTask{
			ID: "task-1", Status: domain.TaskStatusFailedRefunded, ErrorMessage: "Upstream error",
		},
	}})
	req := authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", map[string]string{"taskID": "task-1"})
	rec := httptest.NewRecorder()
	app.WrapByTask(rec, req)

	got := decodeBody(t, rec)
	if got["status"] != "failed" || got["refunded"] != true {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestWrapByTaskCompletedMissing(t *testing.T) {
	app := newTestApp(&stubService{statusRes: &service.StatusResult{
		State: service.StatusCompletedMissing,
		Task:  &domain.GenerationTask{ID: "task-1", Status: domain.TaskStatusCompleted},
	}})
	req := authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", map[string]string{"taskID": "task-1"})
	rec := httptest.NewRecorder()
	app.WrapByTask(rec, req)

	got := decodeBody(t, rec)
	if got["status"] != "completed_missing" {
		t.Fatalf("status field = %v", got["status"])
	}
}

func TestWrapByTaskThrottled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := statuscache.New(rdb, 3*time.Second, 3*time.Second, zerolog.Nop())
	svc := &stubService{statusRes: &service.StatusResult{
		State: service.StatusPending,
		Task:  &domain.GenerationTask{ID: "task-1", Status: domain.TaskStatusPending},
	}}
	app := NewApp(svc, cache, zerolog.Nop(), 5)

	params := map[string]string{"taskID": "task-1"}

	first := httptest.NewRecorder()
	app.WrapByTask(first, authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", params))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first poll status = %d", first.Code)
	}

	// Second poll inside the window replays the cached response instead of
	// hitting the service again.
	svc.statusErr = errors.New("must not be called")
	second := httptest.NewRecorder()
	app.WrapByTask(second, authedRequest(http.MethodGet, "/v1/wraps/by-task/task-1", "", "user-1", params))
	if second.Code != http.StatusAccepted {
		t.Fatalf("cached replay status = %d, body = %s", second.Code, second.Body.String())
	}

	// A throttled poll for a task with no cached entry gets 429.
	third := httptest.NewRecorder()
	app.WrapByTask(third, authedRequest(http.MethodGet, "/v1/wraps/by-task/task-2", "", "user-1", map[string]string{"taskID": "task-2"}))
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d", third.Code)
	}
	if third.Header().Get("Retry-After") != "5" {
		t.Fatalf("Retry-After = %q", third.Header().Get("Retry-After"))
	}
}

func TestRefundTaskRequiresAdmin(t *testing.T) {
	app := newTestApp(&stubService{refundRes: &domain.RefundResult{RefundedAmount: 10}})
	params := map[string]string{"taskID": "task-1"}

	req := authedRequest(http.MethodPost, "/v1/tasks/task-1/refund", `{"reason":"stuck"}`, "user-1", params)
	rec := httptest.NewRecorder()
	app.RefundTask(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", rec.Code)
	}

	req = authedRequest(http.MethodPost, "/v1/tasks/task-1/refund", `{"reason":"stuck"}`, "admin-1", params)
	req = req.WithContext(middleware.ContextWithRole(req.Context(), "admin"))
	rec = httptest.NewRecorder()
	app.RefundTask(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["refunded_amount"] != float64(10) {
		t.Fatalf("refunded_amount = %v", got["refunded_amount"])
	}
}

func TestDownloadWrap(t *testing.T) {
	app := newTestApp(&stubService{wrap: &domain.Wrap{
		ID: "wrap-1", TextureURL: "https://cdn/x.png", DownloadCount: 2,
	}})
	req := authedRequest(http.MethodGet, "/v1/wraps/wrap-1/download", "", "user-1", map[string]string{"wrapID": "wrap-1"})
	rec := httptest.NewRecorder()
	app.DownloadWrap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["download_count"] != float64(3) {
		t.Fatalf("download_count = %v", got["download_count"])
	}
}

func TestCreditBalance(t *testing.T) {
	app := newTestApp(&stubService{})
	req := authedRequest(http.MethodGet, "/v1/credits/balance", "", "user-1", nil)
	rec := httptest.NewRecorder()
	app.CreditBalance(rec, req)

	got := decodeBody(t, rec)
	if got["balance"] != float64(80) || got["total_earned"] != float64(100) {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestListModelsIsPublic(t *testing.T) {
	app := newTestApp(&stubService{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	app.ListModels(rec, req)

	got := decodeBody(t, rec)
	models, _ := got["models"].([]any)
	if len(models) != 5 {
		t.Fatalf("models = %d, want 5", len(models))
	}
}

func TestListWraps(t *testing.T) {
	svc := &stubService{wrapList: []domain.Wrap{
		{ID: "wrap-2", Name: "Second", IsPublic: true},
		{ID: "wrap-1", Name: "First"},
	}}
	app := newTestApp(svc)
	req := authedRequest(http.MethodGet, "/v1/wraps/?limit=2&offset=4", "", "user-1", nil)
	rec := httptest.NewRecorder()
	app.ListWraps(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.lastLimit != 2 || svc.lastOffset != 4 {
		t.Fatalf("pagination not forwarded: limit=%d offset=%d", svc.lastLimit, svc.lastOffset)
	}
	got := decodeBody(t, rec)
	wraps, _ := got["wraps"].([]any)
	if len(wraps) != 2 {
		t.Fatalf("wraps = %d, want 2", len(wraps))
	}
	first, _ := wraps[0].(map[string]any)
	if first["is_public"] != true {
		t.Fatalf("is_public not serialized: %v", first)
	}
}

func TestListWrapsEmptyIsArray(t *testing.T) {
	app := newTestApp(&stubService{})
	req := authedRequest(http.MethodGet, "/v1/wraps/", "", "user-1", nil)
	rec := httptest.NewRecorder()
	app.ListWraps(rec, req)

	if !strings.Contains(rec.Body.String(), `"wraps":[]`) {
		t.Fatalf("empty history must serialize as an array: %s", rec.Body.String())
	}
}

func TestPublishWrap(t *testing.T) {
	svc := &stubService{wrap: &domain.Wrap{ID: "wrap-1", Name: "Neon"}}
	app := newTestApp(svc)
	params := map[string]string{"wrapID": "wrap-1"}

	req := authedRequest(http.MethodPost, "/v1/wraps/wrap-1/publish", "", "user-1", params)
	rec := httptest.NewRecorder()
	app.PublishWrap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.publishArgs.wrapID != "wrap-1" || !svc.publishArgs.public {
		t.Fatalf("empty body must default to publishing: %+v", svc.publishArgs)
	}
	got := decodeBody(t, rec)
	wrap, _ := got["wrap"].(map[string]any)
	if wrap["is_public"] != true {
		t.Fatalf("unexpected wrap payload: %v", wrap)
	}

	// Explicit false unpublishes.
	req = authedRequest(http.MethodPost, "/v1/wraps/wrap-1/publish", `{"public":false}`, "user-1", params)
	rec = httptest.NewRecorder()
	app.PublishWrap(rec, req)
	if svc.publishArgs.public {
		t.Fatalf("explicit false must unpublish")
	}
}

func TestPublishWrapNotOwned(t *testing.T) {
	app := newTestApp(&stubService{})
	req := authedRequest(http.MethodPost, "/v1/wraps/wrap-9/publish", "", "user-1", map[string]string{"wrapID": "wrap-9"})
	rec := httptest.NewRecorder()
	app.PublishWrap(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
