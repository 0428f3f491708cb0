package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/types"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkflowSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.handleError(w, r, err)
		return
	}
	wf, err := s.engine.CreateWorkflow(r.Context(), spec)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, s.engine.ListWorkflows())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkflowSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.handleError(w, r, err)
		return
	}
	wf, err := s.engine.UpdateWorkflow(r.Context(), mux.Vars(r)["id"], spec)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteWorkflow(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.EnableWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDisableWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.DisableWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	input := map[string]interface{}{}
	if err := decodeJSON(r, &input); err != nil {
		s.handleError(w, r, err)
		return
	}
	ctx := types.WithTriggerSource(r.Context(), string(types.TriggerManual))
	s.execute(w, r.WithContext(ctx), mux.Vars(r)["id"], input)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, id string, input map[string]interface{}) {
	exec, err := s.engine.ExecuteWorkflow(r.Context(), id, input)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, exec)
}

// requireTrigger loads the workflow and checks that it is started by kind.
func (s *Server) requireTrigger(w http.ResponseWriter, r *http.Request, id string, kind types.TriggerKind) bool {
	wf, err := s.engine.GetWorkflow(id)
	if err != nil {
		s.handleError(w, r, err)
		return false
	}
	if wf.Trigger != kind {
		conflict(w, r, "trigger_mismatch",
			fmt.Sprintf("workflow %s is triggered by %s, not %s", id, wf.Trigger, kind))
		return false
	}
	return true
}

func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.requireTrigger(w, r, id, types.TriggerWebhook) {
		return
	}
	input := map[string]interface{}{}
	if err := decodeJSON(r, &input); err != nil {
		s.handleError(w, r, err)
		return
	}
	ctx := types.WithTriggerSource(r.Context(), string(types.TriggerWebhook))
	s.execute(w, r.WithContext(ctx), id, input)
}

func (s *Server) handleUploadTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.requireTrigger(w, r, id, types.TriggerFileUpload) {
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		badRequest(w, r, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	input := map[string]interface{}{
		"file": map[string]interface{}{
			"name":         header.Filename,
			"size":         header.Size,
			"content_type": header.Header.Get("Content-Type"),
			"content":      base64.StdEncoding.EncodeToString(content),
		},
	}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			input[k] = v[0]
		}
	}
	ctx := types.WithTriggerSource(r.Context(), string(types.TriggerFileUpload))
	s.execute(w, r.WithContext(ctx), id, input)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		problemUnavailable(w, r, "event bus is not configured")
		return
	}
	name := mux.Vars(r)["name"]
	data := map[string]interface{}{}
	if err := decodeJSON(r, &data); err != nil {
		s.handleError(w, r, err)
		return
	}

	err := s.bus.Publish(context.Background(), events.Event{
		Type:    events.TriggerEventType(name),
		Subject: name,
		Data:    data,
	})
	listeners := true
	switch {
	case errors.Is(err, events.ErrNoHandler):
		listeners = false
	case err != nil:
		s.logger.Warn("failed to publish event", zap.String("event", name), zap.Error(err))
		problemUnavailable(w, r, err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":     name,
		"delivered": listeners,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.engine.ListExecutions(r.URL.Query().Get("workflow_id")))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.CancelExecution(id); err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
