package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/songzhibin97/alertflow/notify"
	"github.com/songzhibin97/alertflow/types"
)

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req notify.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}
	n, err := s.notifier.Send(r.Context(), req)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, s.notifier.List(filter))
}

// parseFilter reads type, priority, acknowledged, since (RFC 3339) and limit
// from the query string.
func parseFilter(r *http.Request) (types.NotificationFilter, error) {
	q := r.URL.Query()
	filter := types.NotificationFilter{
		Type:     types.NotificationType(q.Get("type")),
		Priority: types.Priority(q.Get("priority")),
	}
	if v := q.Get("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("acknowledged must be a boolean, got %q", v)
		}
		filter.Acknowledged = &ack
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("since must be an RFC 3339 timestamp, got %q", v)
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer, got %q", v)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifier.Get(mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, n)
}

type ackRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}
	n, err := s.notifier.Acknowledge(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, s.notifier.Config().Redacted())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.NotificationConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.handleError(w, r, err)
		return
	}
	cfg = cfg.KeepSecrets(s.notifier.Config())
	if err := s.notifier.UpdateConfig(r.Context(), cfg); err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.notifier.Config().Redacted())
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ch := types.Channel(mux.Vars(r)["channel"])
	if err := s.notifier.TestChannel(r.Context(), ch); err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"channel": ch, "ok": true})
}
