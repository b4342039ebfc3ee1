package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/metrics"
)

type RouterOptions struct {
	// Auth guards the /v1 routes; nil leaves them open.
	Auth           *AuthMiddleware
	IngestTimeout  time.Duration
	Logger         logrus.FieldLogger
	MetricsHandler http.Handler
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	router := mux.NewRouter()

	router.Handle("/health", metrics.Instrument("/health", http.HandlerFunc(h.Health))).Methods(http.MethodGet)
	router.Handle("/ready", metrics.Instrument("/ready", http.HandlerFunc(h.Ready))).Methods(http.MethodGet)
	if opts.MetricsHandler != nil {
		router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	if opts.Auth != nil {
		v1.Use(opts.Auth.Wrap)
	}
	v1.Handle("/ingest",
		metrics.Instrument("/v1/ingest", WithTimeout(opts.IngestTimeout, http.HandlerFunc(h.Ingest))),
	).Methods(http.MethodPost)
	v1.Handle("/raw-messages/{key}",
		metrics.Instrument("/v1/raw-messages/{key}", http.HandlerFunc(h.GetRawMessage)),
	).Methods(http.MethodGet)

	skip := map[string]bool{"/health": true, "/metrics": true}
	return WithRequestID(WithRecover(log, WithRequestLog(log, skip, router)))
}
