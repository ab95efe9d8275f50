package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit   = 100
	defaultExecuteTimeout = 30 * time.Minute
)

// Server exposes pipeline status and triggers over HTTP.
type Server struct {
	pipeline       *service.Pipeline
	logger         logrus.FieldLogger
	executeTimeout time.Duration
}

type ServerOption func(*Server)

// WithExecuteTimeout bounds an execution started over HTTP. Executions do not
// stop when the client goes away, only when this timeout expires.
func WithExecuteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.executeTimeout = d
		}
	}
}

type executeResponse struct {
	service.Result
	Error string `json:"error,omitempty"`
}

type operatorRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(pipeline *service.Pipeline, logger logrus.FieldLogger, opts ...ServerOption) *Server {
	s := &Server{pipeline: pipeline, logger: logger, executeTimeout: defaultExecuteTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{name}", s.taskStatus)
	mux.HandleFunc("POST /tasks/{name}/execute", s.executeTask)
	mux.HandleFunc("POST /tasks/{name}/types/{type}/skip", s.skipRange)
	mux.HandleFunc("POST /tasks/{name}/types/{type}/release", s.releaseInProgress)
	mux.HandleFunc("GET /watermarks", s.listWatermarks)
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, pipeline *service.Pipeline, logger logrus.FieldLogger, opts ...ServerOption) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewServer(pipeline, logger, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting replog server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		logger.Info("Shutting down replog server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "replog server is running")
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	names := s.pipeline.Registry().Names()
	statuses := make(map[string][]models.TypeStatus, len(names))
	for _, name := range names {
		st, err := s.pipeline.Status(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		statuses[name] = st
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	// a client hanging up must not fail the batch in flight
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.executeTimeout)
	defer cancel()
	res, err := s.pipeline.Run(ctx, name)
	if errors.Is(err, service.ErrTaskNotFound) {
		s.fail(w, err)
		return
	}
	resp := executeResponse{Result: res}
	status := http.StatusOK
	if err != nil {
		s.logger.WithField("task", name).Errorf("Execute failed: %v", err)
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) skipRange(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOperatorRequest(w, r)
	if !ok {
		return
	}
	wm, err := s.pipeline.SkipPoisonedRange(r.Context(), r.PathValue("name"), r.PathValue("type"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wm)
}

func (s *Server) releaseInProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOperatorRequest(w, r)
	if !ok {
		return
	}
	wm, err := s.pipeline.ReleaseInProgress(r.Context(), r.PathValue("name"), r.PathValue("type"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wm)
}

func (s *Server) listWatermarks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WatermarkFilter{
		Task:       q.Get("task"),
		ObjectType: q.Get("type"),
		State:      models.WatermarkState(q.Get("state")),
		Limit:      defaultHistoryLimit,
	}
	if filter.State != "" && !filter.State.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown state '%s'", filter.State)})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	watermarks, err := s.pipeline.History(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watermarks)
}

// decodeOperatorRequest accepts an empty body or {"reason": "..."}.
func (s *Server) decodeOperatorRequest(w http.ResponseWriter, r *http.Request) (operatorRequest, bool) {
	var req operatorRequest
	if r.ContentLength == 0 {
		req.Reason = r.URL.Query().Get("reason")
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return req, false
	}
	return req, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrUnknownEntityType):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotHalted), errors.Is(err, service.ErrNotInFlight):
		status = http.StatusConflict
	default:
		s.logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
