package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"harvester/internal/api"
	"harvester/internal/config"
	"harvester/internal/dispatch"
	"harvester/internal/harvest"
	"harvester/internal/jobid"
	"harvester/internal/logging"
	"harvester/internal/status"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxWebhookBytes  = 1 << 20
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.handler = srv.routes(cfg.Paths.APIToken)
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/transfer", s.handleWebhook)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleEnqueue)
	mux.HandleFunc("DELETE /api/jobs", s.handleClearJobs)
	mux.HandleFunc("GET /api/jobs/count", s.handleCountJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/kill", s.handleKillJob)
	return requestIDMiddleware(authMiddleware(token, mux))
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled", logging.String(logging.FieldEventType, "api_disabled"))
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxWebhookBytes {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}
	ev, err := harvest.ParseEvent(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	requestID, _ := logging.RequestIDFromContext(r.Context())
	resp := api.WebhookResponse{Action: ev.Action(), RequestID: requestID}
	err = s.daemon.comps.Machine.Handle(r.Context(), ev)
	switch {
	case err == nil:
		s.writeJSON(w, r, http.StatusOK, resp)
	case errors.Is(err, harvest.ErrInvalidPath):
		// Events outside the harvest root are not ours to track.
		logging.WithContext(r.Context(), s.logger).Debug("webhook outside harvest root ignored", logging.Error(err))
		resp.Action = "ignored"
		s.writeJSON(w, r, http.StatusOK, resp)
	case errors.Is(err, harvest.ErrPathConflict):
		s.writeError(w, r, http.StatusConflict, err.Error())
	default:
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "webhook handling failed", "webhook_failed",
			logging.Error(err),
			logging.String("action", ev.Action()),
			logging.String(logging.FieldImpact, "the transfer server should redeliver"),
		)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.daemon.Status(r.Context())
	s.writeJSON(w, r, http.StatusOK, api.DaemonStatus{
		Running:         st.Running,
		PID:             st.PID,
		Environment:     st.Environment,
		StatusBackend:   st.StatusBackend,
		BrokerBackend:   st.BrokerBackend,
		DatabasePath:    st.DatabasePath,
		LockFilePath:    st.LockFilePath,
		MonitoredQueues: st.MonitoredQueues,
		WorkerQueues:    st.WorkerQueues,
		ActiveJobs:      st.ActiveJobs,
		Jobs:            st.Jobs,
		Harvest:         api.FromHarvestSummary(st.Harvest),
	})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(query.Get("limit"), defaultPageLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxPageLimit)

	records, err := s.daemon.comps.Dispatcher.List(r.Context(), status.Range{Offset: offset, Limit: limit})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.JobListResponse{Jobs: api.FromRecords(records), Offset: offset, Limit: limit})
}

func (s *apiServer) handleCountJobs(w http.ResponseWriter, r *http.Request) {
	count, err := s.daemon.comps.Dispatcher.Count(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.JobCountResponse{Count: count})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.daemon.comps.Dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStatusError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.JobResponse{Job: api.FromRecord(rec)})
}

func (s *apiServer) handleKillJob(w http.ResponseWriter, r *http.Request) {
	var req api.KillRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.daemon.comps.Dispatcher.Kill(context.WithoutCancel(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeStatusError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.JobResponse{Job: api.FromRecord(rec)})
}

func (s *apiServer) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	var filter status.Filter
	for _, value := range r.URL.Query()["status"] {
		st, err := status.ParseStatus(value)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	removed, err := s.daemon.comps.Dispatcher.Clear(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.ClearResponse{Removed: removed})
}

func (s *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := jobid.ParseStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.daemon.comps.Dispatcher.Enqueue(r.Context(), dispatch.Request{
		OwningClass: req.OwningClass,
		Queue:       req.Queue,
		Args:        jobid.Args(req.Args),
		Strategy:    strategy,
		Fields:      req.Fields,
	})
	switch {
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrUnknownQueue):
		s.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if res.Accepted {
		code = http.StatusAccepted
	}
	s.writeJSON(w, r, code, api.EnqueueResponse{Accepted: res.Accepted, ID: res.ID, Queue: res.Queue})
}

func (s *apiServer) writeStatusError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, status.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "job not found")
	case errors.Is(err, status.ErrInvalidTransition):
		s.writeError(w, r, http.StatusConflict, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	writeJSON(w, r, code, payload, s.logger)
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSON(w, r, code, errorBody(r, message))
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logging.WithContext(r.Context(), logger).Error("failed to encode response", logging.Error(err))
	}
}

func errorBody(r *http.Request, message string) api.ErrorResponse {
	requestID, _ := logging.RequestIDFromContext(r.Context())
	return api.ErrorResponse{Error: message, RequestID: requestID}
}

func decodeOptionalJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func queryInt(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}
