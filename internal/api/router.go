package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/smartwait/mediqueue/internal/risk"
	"github.com/smartwait/mediqueue/pkg/logging"
)

type RouterConfig struct {
	Service OfferService
	Reader  Reader
	Risk    risk.Scorer
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  *logging.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Risk == nil {
		cfg.Risk = risk.HeuristicScorer{}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger.Named("http")))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/offers/issue", issueOffersHandler(cfg.Service))
	r.Post("/prep-standby", prepStandbyHandler(cfg.Service))

	r.Route("/appointments", func(r chi.Router) {
		r.Get("/{id}", getAppointmentHandler(cfg.Reader, cfg.Risk))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/{id}/simulate-fill", simulateFillHandler(cfg.Service))
	})

	r.Post("/sms/inbound", inboundSMSHandler(cfg.Service))

	r.Route("/dashboard", func(r chi.Router) {
		r.Get("/summary", dashboardSummaryHandler(cfg.Service))
		r.Get("/appointments", dashboardAppointmentsHandler(cfg.Reader))
		r.Get("/offers", dashboardOffersHandler(cfg.Reader))
		r.Get("/events", dashboardEventsHandler(cfg.Reader))
	})

	r.Get("/specialties", specialtiesHandler(cfg.Reader))

	return r
}
