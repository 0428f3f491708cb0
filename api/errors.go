package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moogar0880/problems"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/notify/channels"
	"github.com/songzhibin97/alertflow/types"
	"github.com/songzhibin97/alertflow/workflow"
)

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, status int, problem interface{}) {
	body, _ := json.Marshal(problem)
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	problem := problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(r.URL.Path).
		WithType("validation_error").
		WithDetail(detail)
	writeProblem(w, http.StatusBadRequest, problem)
}

func conflict(w http.ResponseWriter, r *http.Request, typ, detail string) {
	problem := problems.NewStatusProblem(http.StatusConflict).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)
	writeProblem(w, http.StatusConflict, problem)
}

func problemUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	problem := problems.NewStatusProblem(http.StatusServiceUnavailable).
		WithInstance(r.URL.Path).
		WithType("unavailable").
		WithDetail(detail)
	writeProblem(w, http.StatusServiceUnavailable, problem)
}

// handleError maps engine and dispatcher errors onto problem responses.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		typ    = "internal_error"
	)
	switch {
	case types.IsValidation(err):
		status, typ = http.StatusBadRequest, "validation_error"
	case types.IsNotFound(err):
		status, typ = http.StatusNotFound, "not_found"
	case types.IsDisabled(err):
		status, typ = http.StatusConflict, "workflow_disabled"
	case errors.Is(err, workflow.ErrExecutionNotRunning):
		status, typ = http.StatusConflict, "conflict"
	case errors.Is(err, channels.ErrChannelNotConfigured):
		status, typ = http.StatusBadRequest, "channel_not_configured"
	case errors.Is(err, types.ErrChannel):
		status, typ = http.StatusBadGateway, "channel_error"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		problem := problems.NewStatusProblem(status).
			WithInstance(r.URL.Path).
			WithType(typ).
			WithError(err)
		writeProblem(w, status, problem)
		return
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(err.Error())
	writeProblem(w, status, problem)
}
