package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/domain"
	"fleet-monitor/gateway/internal/pipeline"
)

const maxBodyBytes = 10 << 20

// RawMessages looks up stored batches by idempotency key.
type RawMessages interface {
	GetRawMessage(ctx context.Context, key string) (*domain.RawMessageRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	gateway *pipeline.Gateway
	raw     RawMessages
	checks  map[string]Pinger
	log     logrus.FieldLogger
}

// NewHandler wires the ingest endpoints. checks are pinged by /ready.
func NewHandler(gw *pipeline.Gateway, raw RawMessages, checks map[string]Pinger, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{gateway: gw, raw: raw, checks: checks, log: log}
}

func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var payload domain.GatewayPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "request body is not a valid gateway payload: "+err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	hints := pipeline.Hints{
		Protocol:       strings.TrimSpace(r.Header.Get("X-Protocol")),
		IdempotencyKey: key,
	}

	res, err := h.gateway.Ingest(r.Context(), &payload, hints)
	switch {
	case err != nil && pipeline.IsClientError(err):
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	case err != nil && res == nil:
		h.log.WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("ingest failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	case err != nil:
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id":      RequestIDFromContext(r.Context()),
			"idempotency_key": res.IdempotencyKey,
		}).Error("ingest failed")
		writeJSON(w, http.StatusInternalServerError, res)
	case res.Status == pipeline.StatusOrphan:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) GetRawMessage(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rec, err := h.raw.GetRawMessage(r.Context(), key)
	if err != nil {
		h.log.WithError(err).WithField("idempotency_key", key).Error("raw message lookup failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no raw message for idempotency key "+key)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"checks": results})
}
