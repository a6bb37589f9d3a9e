package caseapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// images arrive inline as base64
const maxBodyBytes = 16 << 20

func (a *API) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var in patient.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), &in)
	if err != nil {
		if errors.Is(err, patient.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to submit case")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info(r.Context(), "case accepted", "case_id", res.ID, "mode", res.Mode)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleQueryCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field := q.Get("field")
	if field == "" {
		writeError(w, http.StatusBadRequest, "field is required")
		return
	}

	results, err := a.svc.Query(r.Context(), field, q.Get("value"))
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownField) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to query cases", "field", field)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if results == nil {
		results = []*workflow.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": results})
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := bus.Query{Topics: params["topic"]}

	if s := params.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		q.Since = since
	}
	if s := params.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": a.events.History(q)})
}
