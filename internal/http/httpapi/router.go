// Package httpapi assembles the HTTP router: middleware chain, public
// catalog routes, and the authenticated generation API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"wrapserver/internal/http/handlers"
	"wrapserver/internal/middleware"
)

type RouterOptions struct {
	App             *handlers.App
	JWTSecret       string
	Log             zerolog.Logger
	CountryLookup   middleware.CountryLookup
	DefaultLocale   string
	AllowedOrigins  []string
	RateLimitPerMin int
}

func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
		middleware.Logger(opts.Log),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	app := opts.App

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/models", app.ListModels)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/v1/wraps", func(r chi.Router) {
			r.Get("/", app.ListWraps)
			r.Post("/generate", app.GenerateWrap)
			r.Get("/by-task/{taskID}", app.WrapByTask)
			r.Get("/{wrapID}/download", app.DownloadWrap)
			r.Post("/{wrapID}/publish", app.PublishWrap)
		})

		r.Route("/v1/tasks/{taskID}", func(r chi.Router) {
			r.Get("/steps", app.TaskSteps)
			r.Post("/refund", app.RefundTask)
		})

		r.Get("/v1/credits/balance", app.CreditBalance)
	})

	return r
}
