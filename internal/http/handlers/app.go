// Package handlers exposes the wrap generation API over HTTP. Handlers stay
// thin: decode, call the service, map domain errors to status codes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"wrapserver/internal/domain"
	"wrapserver/internal/middleware"
	"wrapserver/internal/service"
	"wrapserver/internal/statuscache"
)

// Service is the slice of the generation service the HTTP layer needs.
type Service interface {
	Generate(ctx context.Context, req service.GenerateRequest) (*service.GenerateResult, error)
	StatusByTask(ctx context.Context, userID, taskID string) (*service.StatusResult, error)
	RefundTask(ctx context.Context, taskID, reason string) (*domain.RefundResult, error)
	Balance(ctx context.Context, userID string) (*domain.UserCreditBalance, error)
	TaskSteps(ctx context.Context, userID, taskID string) ([]domain.StepRecord, error)
	WrapForDownload(ctx context.Context, userID, wrapID string) (*domain.Wrap, error)
	ListWraps(ctx context.Context, userID string, limit, offset int) ([]domain.Wrap, error)
	PublishWrap(ctx context.Context, userID, wrapID string, public bool) (*domain.Wrap, error)
}

type App struct {
	Svc   Service
	Cache *statuscache.Cache
	Log   zerolog.Logger
	// RetryAfterSec is advertised on pending and throttled status responses.
	RetryAfterSec int
}

func NewApp(svc Service, cache *statuscache.Cache, log zerolog.Logger, retryAfterSec int) *App {
	if retryAfterSec <= 0 {
		retryAfterSec = 5
	}
	return &App{Svc: svc, Cache: cache, Log: log, RetryAfterSec: retryAfterSec}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

// domainError maps service and domain errors onto HTTP responses. Internal
// detail never leaves the process: the 5xx branch sends the sentinel text
// only.
func (a *App) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyPrompt),
		errors.Is(err, domain.ErrInvalidModel),
		errors.Is(err, domain.ErrInvalidReferenceURL),
		errors.Is(err, domain.ErrTooManyReferences):
		a.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrReferenceTooLarge):
		a.error(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrUpstreamInference),
		errors.Is(err, service.ErrStorageUpload),
		errors.Is(err, service.ErrPersistence),
		errors.Is(err, service.ErrInternal):
		a.error(w, http.StatusInternalServerError, err.Error())
	default:
		a.Log.Error().Err(err).Str("path", r.URL.Path).Msg("handlers: unclassified error")
		a.error(w, http.StatusInternalServerError, "internal error")
	}
}

// currentUserID pulls the authenticated subject; empty means the auth
// middleware was bypassed or misconfigured.
func (a *App) currentUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}
