// Package api exposes the workflow engine and the notification dispatcher
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/notify"
	"github.com/songzhibin97/alertflow/types"
)

const maxUploadSize = 32 << 20

// Engine is the part of the workflow engine served by the API.
type Engine interface {
	CreateWorkflow(ctx context.Context, spec types.WorkflowSpec) (*types.Workflow, error)
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() []types.Workflow
	UpdateWorkflow(ctx context.Context, id string, spec types.WorkflowSpec) (*types.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	EnableWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	DisableWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (*types.Execution, error)
	CancelExecution(id string) error
	GetExecution(id string) (*types.Execution, error)
	ListExecutions(workflowID string) []types.Execution
}

// Notifications is the part of the notification dispatcher served by the API.
type Notifications interface {
	Send(ctx context.Context, req notify.SendRequest) (*types.Notification, error)
	Get(id string) (types.Notification, error)
	List(filter types.NotificationFilter) []types.Notification
	Acknowledge(ctx context.Context, id, who string) (*types.Notification, error)
	Config() types.NotificationConfig
	UpdateConfig(ctx context.Context, cfg types.NotificationConfig) error
	TestChannel(ctx context.Context, ch types.Channel) error
}

type Server struct {
	http.Server
	engine   Engine
	notifier Notifications
	bus      *events.EventBus
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

type Option func(*Server)

// WithEventBus enables POST /events/{name}.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithGatherer serves the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(addr string, engine Engine, notifier Notifications, opts ...Option) *Server {
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine:   engine,
		notifier: notifier,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	router.HandleFunc("/workflows/{id}/enable", s.handleEnableWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/disable", s.handleDisableWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/execute", s.handleExecuteWorkflow).Methods(http.MethodPost)

	router.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)

	router.HandleFunc("/hooks/{id}", s.handleWebhookTrigger).Methods(http.MethodPost)
	router.HandleFunc("/uploads/{id}", s.handleUploadTrigger).Methods(http.MethodPost)
	router.HandleFunc("/events/{name}", s.handlePublishEvent).Methods(http.MethodPost)

	// Fixed paths go before /notifications/{id}.
	router.HandleFunc("/notifications/config", s.handleGetConfig).Methods(http.MethodGet)
	router.HandleFunc("/notifications/config", s.handleUpdateConfig).Methods(http.MethodPut)
	router.HandleFunc("/notifications/test/{channel}", s.handleTestChannel).Methods(http.MethodPost)
	router.HandleFunc("/notifications", s.handleSendNotification).Methods(http.MethodPost)
	router.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	router.HandleFunc("/notifications/{id}", s.handleGetNotification).Methods(http.MethodGet)
	router.HandleFunc("/notifications/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)

	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info(r.RequestURI,
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return types.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}
