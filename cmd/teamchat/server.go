package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/metrics"
	"teamchat/internal/middleware"
	"teamchat/internal/models"
	"teamchat/internal/queue"
	"teamchat/internal/reachability"
	"teamchat/internal/service"
	"teamchat/internal/tracing"
	"teamchat/internal/validation"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MessageSender composes outgoing messages.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, text string, attachments []models.Attachment) service.SendResult
}

// QueueManager is the queue surface exposed by the control API.
type QueueManager interface {
	Entries(ctx context.Context) ([]models.QueuedMessage, error)
	GetQueueStats(ctx context.Context) models.QueueStats
	ProcessQueue(ctx context.Context) queue.ProcessResult
	RetryMessage(ctx context.Context, localID string) bool
	ClearFailedMessages(ctx context.Context) int
	ClearQueue(ctx context.Context) error
}

type MessageLister interface {
	Messages(conversationID string) []models.Message
}

// NetworkMonitor is the reachability surface exposed by the control API.
type NetworkMonitor interface {
	Connected() bool
	State() models.ConnectivityState
	LastSnapshot() reachability.NetState
	Update(ctx context.Context, state reachability.NetState)
}

type QueueTrigger interface {
	ProcessNow(ctx context.Context, trigger string)
}

type Dependencies struct {
	Sender      MessageSender
	Manager     QueueManager
	Rows        MessageLister
	Monitor     NetworkMonitor
	Coordinator QueueTrigger
	Gatherer    prometheus.Gatherer
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	cfg    *models.Config
	deps   Dependencies
	server *http.Server
	// baseCtx outlives individual requests for work they start.
	baseCtx context.Context
}

type sendRequest struct {
	ConversationID string              `json:"conversationId"`
	Text           string              `json:"text"`
	Attachments    []models.Attachment `json:"attachments"`
}

type networkResponse struct {
	Connected bool                     `json:"connected"`
	State     models.ConnectivityState `json:"state"`
	Snapshot  reachability.NetState    `json:"snapshot"`
}

func NewServer(ctx context.Context, cfg *models.Config, deps Dependencies, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		baseCtx: ctx,
	}
	s.setupRoutes(m)
	return s
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.router.Use(middleware.Observability(s.logger, m))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/messages", s.handleListMessages()).Methods(http.MethodGet)

	v1.HandleFunc("/queue", s.handleListQueue()).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleClearQueue()).Methods(http.MethodDelete)
	v1.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	v1.HandleFunc("/queue/process", s.handleProcessQueue()).Methods(http.MethodPost)
	v1.HandleFunc("/queue/failed", s.handleClearFailed()).Methods(http.MethodDelete)
	v1.HandleFunc("/queue/{localId}/retry", s.handleRetry()).Methods(http.MethodPost)

	v1.HandleFunc("/network", s.handleGetNetwork()).Methods(http.MethodGet)
	v1.HandleFunc("/network", s.handleUpdateNetwork()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	port := constants.DefaultServerPort
	readTimeout := constants.DefaultServerReadTimeoutSec
	writeTimeout := constants.DefaultServerWriteTimeoutSec
	idleTimeout := constants.DefaultServerIdleTimeoutSec
	if s.cfg != nil {
		port = s.cfg.Server.Port
		readTimeout = s.cfg.Server.ReadTimeoutSec
		writeTimeout = s.cfg.Server.WriteTimeoutSec
		idleTimeout = s.cfg.Server.IdleTimeoutSec
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
		IdleTimeout:  time.Duration(idleTimeout) * time.Second,
	}

	s.logger.Infof("Starting control API on port %d", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	entry := errors.Entry(s.logger.WithField(constants.LogFieldRequestID, tracing.RequestID(r.Context())), err)
	if status >= http.StatusInternalServerError {
		entry.Error("Control API request failed")
	} else {
		entry.Debug("Control API request rejected")
	}
	s.writeJSON(w, status, errors.ToErrorResponse(err))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body").
			WithUserMessage("Request body is not valid JSON for this endpoint")
	}
	return nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"connected": s.deps.Monitor.Connected(),
		})
	}
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validation.ValidateOutgoing(req.ConversationID, req.Text, req.Attachments); err != nil {
			s.writeError(w, r, err)
			return
		}

		result := s.deps.Sender.SendMessage(r.Context(), req.ConversationID, req.Text, req.Attachments)
		status := http.StatusCreated
		switch {
		case result.Failed:
			status = http.StatusServiceUnavailable
		case result.Queued:
			status = http.StatusAccepted
		}
		s.writeJSON(w, status, result)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"conversationId": id,
			"messages":       s.deps.Rows.Messages(id),
		})
	}
}

func (s *Server) handleListQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.deps.Manager.Entries(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.deps.Manager.GetQueueStats(r.Context()))
	}
}

func (s *Server) handleProcessQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Monitor.Connected() {
			s.writeJSON(w, http.StatusConflict, map[string]string{
				"error": "offline: the queue is processed automatically once connectivity returns",
			})
			return
		}
		s.writeJSON(w, http.StatusOK, s.deps.Manager.ProcessQueue(r.Context()))
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		localID := mux.Vars(r)["localId"]
		if !s.deps.Manager.RetryMessage(r.Context(), localID) {
			s.writeError(w, r, errors.NewNotFoundError("queued message", localID))
			return
		}
		if s.deps.Monitor.Connected() && s.deps.Coordinator != nil {
			s.deps.Coordinator.ProcessNow(s.baseCtx, "manual_retry")
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"localId": localID})
	}
}

func (s *Server) handleClearFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.deps.Manager.ClearFailedMessages(r.Context())
		s.writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func (s *Server) handleClearQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Manager.ClearQueue(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) networkStatus() networkResponse {
	return networkResponse{
		Connected: s.deps.Monitor.Connected(),
		State:     s.deps.Monitor.State(),
		Snapshot:  s.deps.Monitor.LastSnapshot(),
	}
}

func (s *Server) handleGetNetwork() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.networkStatus())
	}
}

// handleUpdateNetwork accepts an OS network snapshot pushed by the host.
// A disconnected snapshot may hold the request for one probe.
func (s *Server) handleUpdateNetwork() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var state reachability.NetState
		if err := s.decode(w, r, &state); err != nil {
			s.writeError(w, r, err)
			return
		}
		if state.Type == "" {
			state.Type = constants.NetworkTypeUnknown
		}
		s.deps.Monitor.Update(r.Context(), state)
		s.writeJSON(w, http.StatusOK, s.networkStatus())
	}
}
