// Package server exposes the supervisor over HTTP.
//
//	POST /v1/step            {"action": "click('12')", "timeout": "30s"}
//	GET  /v1/alive
//	GET  /v1/worker          resource usage of the worker process tree
//	GET  /v1/tools           tool names, descriptions and schemas
//	POST /v1/tools           model reply holding one <tool> call
//	POST /v1/tools/{name}    XML tool arguments
//	GET  /metrics
//	GET  /health
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/entrhq/browserd/pkg/agent/tools"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/supervisor"
	"github.com/entrhq/browserd/pkg/tools/browser"
	"github.com/entrhq/browserd/pkg/worker"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Supervisor is the part of *supervisor.Supervisor the server drives.
type Supervisor interface {
	Step(ctx context.Context, action string, timeout time.Duration) (*worker.Observation, error)
	CheckAlive(timeout time.Duration) bool
	Usage() (supervisor.Usage, error)
}

// Options configures a Server.
type Options struct {
	// Metrics serves GET /metrics when set
	Metrics http.Handler

	// ShutdownTimeout bounds graceful shutdown in Start
	ShutdownTimeout time.Duration

	Logger *logging.Logger
}

type Server struct {
	sup    Supervisor
	tools  *browser.ToolRegistry
	opts   Options
	logger *logging.Logger
}

func New(sup Supervisor, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		sup:    sup,
		tools:  browser.NewToolRegistry(sup, 0),
		opts:   opts,
		logger: logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/step", s.step)
	r.Get("/v1/alive", s.alive)
	r.Get("/v1/worker", s.usage)
	r.Get("/v1/tools", s.listTools)
	r.Post("/v1/tools", s.parseAndCallTool)
	r.Post("/v1/tools/{name}", s.callTool)
	r.Get("/health", s.health)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	return r
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("http shutdown: %v", err)
		}
	}()

	s.logger.Infof("listening on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

type stepRequest struct {
	Action  string `json:"action"`
	Timeout string `json:"timeout,omitempty"`
}

// step applies one action. ?format=text renders the observation as agent
// text instead of JSON.
func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, errors.New("action is required"))
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", req.Timeout))
			return
		}
		timeout = d
	}

	obs, err := s.sup.Step(r.Context(), req.Action, timeout)
	if err != nil {
		s.logger.Warnf("step %q failed: %v", req.Action, err)
		writeError(w, statusFor(err), err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, browser.AgentText(obs))
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) alive(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", raw))
			return
		}
		timeout = d
	}

	if !s.sup.CheckAlive(timeout) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"alive": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	u, err := s.sup.Usage()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// toolResponse carries a tool's result. Remaining is the reply text around
// a parsed tool call.
type toolResponse struct {
	Tool      string                 `json:"tool,omitempty"`
	Result    string                 `json:"result"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Remaining string                 `json:"remaining,omitempty"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tools.Describe(s.tools.RegisterTools()))
}

// parseAndCallTool runs the first tool call found in a raw model reply.
func (s *Server) parseAndCallTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	call, remaining, err := tools.ParseToolCall(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.tools.Lookup(call.ToolName); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown tool %q", call.ToolName))
		return
	}

	result, metadata, err := s.tools.Execute(r.Context(), call)
	if err != nil {
		writeError(w, toolStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{
		Tool:      call.ToolName,
		Result:    result,
		Metadata:  metadata,
		Remaining: remaining,
	})
}

// callTool runs a browser tool; the body is its <arguments> element.
func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool, ok := s.tools.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown tool %q", name))
		return
	}

	args, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	result, metadata, err := tool.Execute(r.Context(), args)
	if err != nil {
		writeError(w, toolStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{Result: result, Metadata: metadata})
}

// toolStatus is statusFor with unclassified errors treated as bad arguments.
func toolStatus(err error) int {
	if status := statusFor(err); status != http.StatusInternalServerError {
		return status
	}
	return http.StatusBadRequest
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrShuttingDown),
		errors.Is(err, supervisor.ErrClosed),
		errors.Is(err, supervisor.ErrNotStarted),
		errors.Is(err, supervisor.ErrChannelClosed),
		errors.Is(err, supervisor.ErrProcessExited):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
