// Package caseapi exposes case intake and lookup over HTTP.
package caseapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// CaseService defines the business operations caseapi needs.
type CaseService interface {
	Submit(ctx context.Context, in *patient.Input) (*workflow.SubmitResult, error)
	Get(ctx context.Context, id string) (*workflow.Result, bool, error)
	Query(ctx context.Context, field, value string) ([]*workflow.Result, error)
}

// EventSource serves the bus history.
type EventSource interface {
	History(q bus.Query) []bus.Event
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    CaseService
	events EventSource
}

// New creates a new API handler. events may be nil, in which case the
// events endpoint is not registered.
func New(logger log.Logger, svc CaseService, events EventSource) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("case service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		events: events,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cases", a.handleSubmitCase)
		r.Get("/cases", a.handleQueryCases)
		r.Get("/cases/{id}", a.handleGetCase)
		if a.events != nil {
			r.Get("/events", a.handleListEvents)
		}
	})
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("carepath.case.id", id))

	result, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get case", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(
		attribute.String("carepath.case.status", string(result.Status)),
		attribute.String("carepath.case.route", string(result.RouteType())),
	)

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
