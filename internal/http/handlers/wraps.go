package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wrapserver/internal/domain"
	"wrapserver/internal/middleware"
	"wrapserver/internal/service"
)

// Request bodies stay small: references are URLs or base64 payloads, capped
// well below this.
const maxGenerateBody = 8 << 20

type generateRequest struct {
	ModelSlug       string   `json:"model_slug"`
	Prompt          string   `json:"prompt"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	IdempotencyKey  string   `json:"idempotency_key,omitempty"`
}

type wrapPayload struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Name            string    `json:"name"`
	NameEN          string    `json:"name_en,omitempty"`
	DescriptionEN   string    `json:"description_en,omitempty"`
	Prompt          string    `json:"prompt"`
	ModelSlug       string    `json:"model_slug"`
	Slug            string    `json:"slug"`
	TextureURL      string    `json:"texture_url"`
	PreviewURL      string    `json:"preview_url,omitempty"`
	ReferenceImages []string  `json:"reference_images,omitempty"`
	IsPublic        bool      `json:"is_public"`
	DownloadCount   int       `json:"download_count"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

func toWrapPayload(w *domain.Wrap) *wrapPayload {
	if w == nil {
		return nil
	}
	return &wrapPayload{
		ID:              w.ID,
		TaskID:          w.TaskID,
		Name:            w.Name,
		NameEN:          w.NameEN,
		DescriptionEN:   w.DescriptionEN,
		Prompt:          w.Prompt,
		ModelSlug:       w.ModelSlug,
		Slug:            w.Slug,
		TextureURL:      w.TextureURL,
		PreviewURL:      w.PreviewURL,
		ReferenceImages: w.ReferenceImages,
		IsPublic:        w.IsPublic,
		DownloadCount:   w.DownloadCount,
		CreatedAt:       w.CreatedAt,
	}
}

// GenerateWrap admits and runs one generation synchronously. The response
// carries the finished wrap; idempotent replays of an unfinished task get a
// 202 pointing at the status endpoint.
func (a *App) GenerateWrap(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}

	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	res, err := a.Svc.Generate(r.Context(), service.GenerateRequest{
		UserID:          userID,
		ModelSlug:       req.ModelSlug,
		Prompt:          req.Prompt,
		ReferenceImages: req.ReferenceImages,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		a.domainError(w, r, err)
		return
	}

	if res.Pending {
		w.Header().Set("Retry-After", strconv.Itoa(a.RetryAfterSec))
		a.json(w, http.StatusAccepted, map[string]any{
			"task_id":           res.TaskID,
			"status":            service.StatusPending,
			"replay":            true,
			"remaining_credits": res.RemainingBalance,
		})
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"task_id":           res.TaskID,
		"status":            service.StatusCompleted,
		"wrap":              toWrapPayload(res.Wrap),
		"replay":            res.Replay,
		"remaining_credits": res.RemainingBalance,
	})
}

// WrapByTask is the polling endpoint. Per-user throttling and a short-lived
// response cache keep tight poll loops off the database.
func (a *App) WrapByTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "task id is required")
		return
	}

	if !a.Cache.Allow(r.Context(), userID) {
		if entry, hit := a.Cache.Get(r.Context(), userID, taskID); hit {
			a.replayCached(w, entry.Status, entry.Payload)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(a.RetryAfterSec))
		a.error(w, http.StatusTooManyRequests, "polling too fast")
		return
	}

	res, err := a.Svc.StatusByTask(r.Context(), userID, taskID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}

	code, body := a.statusResponse(res)
	if code == http.StatusAccepted {
		w.Header().Set("Retry-After", strconv.Itoa(a.RetryAfterSec))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.Cache.Put(r.Context(), userID, taskID, code, payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(payload)
}

func (a *App) statusResponse(res *service.StatusResult) (int, map[string]any) {
	switch res.State {
	case service.StatusCompleted:
		return http.StatusOK, map[string]any{
			"status": service.StatusCompleted,
			"wrap":   toWrapPayload(res.Wrap),
		}
	case service.StatusFailed:
		return http.StatusOK, map[string]any{
			"status":   service.StatusFailed,
			"error":    res.Task.ErrorMessage,
			"refunded": res.Task.Status == domain.TaskStatusFailedRefunded,
		}
	case service.StatusCompletedMissing:
		return http.StatusOK, map[string]any{
			"status": service.StatusCompletedMissing,
		}
	default:
		return http.StatusAccepted, map[string]any{
			"status":  service.StatusPending,
			"task_id": res.Task.ID,
		}
	}
}

func (a *App) replayCached(w http.ResponseWriter, code int, payload []byte) {
	if code == http.StatusAccepted {
		w.Header().Set("Retry-After", strconv.Itoa(a.RetryAfterSec))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(bytes.TrimSpace(payload))
}

// TaskSteps returns the append-only audit trail for the caller's own task.
func (a *App) TaskSteps(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	steps, err := a.Svc.TaskSteps(r.Context(), userID, taskID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	if steps == nil {
		steps = []domain.StepRecord{}
	}
	a.json(w, http.StatusOK, map[string]any{"task_id": taskID, "steps": steps})
}

// DownloadWrap hands out the texture URL and counts the download.
func (a *App) DownloadWrap(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	wrapID := chi.URLParam(r, "wrapID")
	wrap, err := a.Svc.WrapForDownload(r.Context(), userID, wrapID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"texture_url":    wrap.TextureURL,
		"download_count": wrap.DownloadCount + 1,
	})
}

// ListWraps returns a page of the caller's generation history.
func (a *App) ListWraps(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	wraps, err := a.Svc.ListWraps(r.Context(), userID, limit, offset)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	out := make([]*wrapPayload, 0, len(wraps))
	for i := range wraps {
		out = append(out, toWrapPayload(&wraps[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"wraps": out})
}

// PublishWrap toggles the caller's wrap in or out of the public gallery.
// An empty body defaults to publishing.
func (a *App) PublishWrap(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	wrapID := chi.URLParam(r, "wrapID")

	body := struct {
		Public *bool `json:"public"`
	}{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	public := true
	if body.Public != nil {
		public = *body.Public
	}

	wrap, err := a.Svc.PublishWrap(r.Context(), userID, wrapID, public)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"wrap": toWrapPayload(wrap)})
}

// RefundTask applies an operator-initiated refund. Admin only.
func (a *App) RefundTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.currentUserID(w, r); !ok {
		return
	}
	if middleware.RoleFromContext(r.Context()) != "admin" {
		a.error(w, http.StatusForbidden, "admin role required")
		return
	}
	taskID := chi.URLParam(r, "taskID")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	res, err := a.Svc.RefundTask(r.Context(), taskID, body.Reason)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"already_refunded": res.AlreadyRefunded,
		"refunded_amount":  res.RefundedAmount,
	})
}

// CreditBalance returns the caller's balance.
func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	balance, err := a.Svc.Balance(r.Context(), userID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"balance":      balance.Balance,
		"total_earned": balance.TotalEarned,
	})
}

// ListModels is the public vehicle catalog.
func (a *App) ListModels(w http.ResponseWriter, r *http.Request) {
	type modelPayload struct {
		Slug        string `json:"slug"`
		Name        string `json:"name"`
		NameEN      string `json:"name_en"`
		AspectRatio string `json:"aspect_ratio"`
	}
	models := domain.Models()
	out := make([]modelPayload, 0, len(models))
	for _, m := range models {
		out = append(out, modelPayload{
			Slug:        m.Slug,
			Name:        m.Name,
			NameEN:      m.NameEN,
			AspectRatio: m.AspectRatio,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"models": out})
}
