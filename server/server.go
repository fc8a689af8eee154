// Package server is the HTTP transport of agentforge: run endpoints with SSE,
// JSON and websocket responses, the A2A routes, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/internal/sse"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/runner"
	"github.com/hupe1980/agentforge/runstore"
)

// Runner is the part of runner.Runner used by the transport.
type Runner interface {
	StartStream(ctx context.Context, req runner.Request) *runner.Run
	RunSync(ctx context.Context, req runner.Request) (*runner.Result, error)
	Get(ctx context.Context, tenantID, runID string) (*runstore.Record, error)
	Cancel(runID string) error
}

// Options configures a Server.
type Options struct {
	// A2A mounts the A2A JSON-RPC and discovery routes when set.
	A2A *a2a.Server

	TenantHeader  string
	DefaultTenant string

	// AllowedOrigins restricts websocket origins; empty allows all.
	AllowedOrigins []string

	// MaxBodyBytes limits request bodies (default 1 MiB).
	MaxBodyBytes int64

	// Tracing wraps the handler with otelhttp.
	Tracing bool

	Logger logging.Logger
}

// Server routes HTTP requests to the runner.
type Server struct {
	runner  Runner
	opts    Options
	router  *mux.Router
	handler http.Handler
}

// New creates a Server.
func New(r Runner, optFns ...func(o *Options)) *Server {
	opts := Options{
		TenantHeader: "X-Tenant-ID",
		MaxBodyBytes: 1 << 20,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		runner: r,
		opts:   opts,
		router: mux.NewRouter(),
	}

	s.routes()

	var h http.Handler = s.router

	h = newLoggingMiddleware(s.router, opts.Logger, "/healthz", "/metrics").Middleware(h)

	if opts.Tracing {
		h = otelhttp.NewHandler(h, "agentforge", otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
	}

	s.handler = h

	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/agents/{agentID}/runs", s.handleStream).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentID}/runs:sync", s.handleSync).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentID}/runs/ws", s.handleWebsocket).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}", s.handleCancel).Methods(http.MethodDelete)

	if s.opts.A2A != nil {
		s.opts.A2A.Register(s.router)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownGrace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, shutdownGrace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		s.opts.Logger.Info("server.listen", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.opts.Logger.Info("server.shutdown", "grace", shutdownGrace.String())

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// RunRequest is the body of the run endpoints and the first websocket frame.
type RunRequest struct {
	Input string `json:"input"`
}

// SyncResponse is returned by the runs:sync endpoint.
type SyncResponse struct {
	RunID  string       `json:"run_id"`
	Output core.Output  `json:"output"`
	Events []core.Event `json:"events,omitempty"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Kind     core.ErrorKind `json:"kind,omitempty"`
	NodePath string         `json:"node_path,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
}

func (s *Server) tenant(r *http.Request) string {
	if t := r.Header.Get(s.opts.TenantHeader); t != "" {
		return t
	}

	return s.opts.DefaultTenant
}

func (s *Server) runRequest(w http.ResponseWriter, r *http.Request) (runner.Request, bool) {
	tenant := s.tenant(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, errMissingTenant(s.opts.TenantHeader))
		return runner.Request{}, false
	}

	var body RunRequest

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return runner.Request{}, false
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return runner.Request{}, false
		}
	}

	return runner.Request{AgentID: mux.Vars(r)["agentID"], TenantID: tenant, Input: body.Input}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStream runs the agent and streams every event as an SSE event named
// after the event kind.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.runRequest(w, r)
	if !ok {
		return
	}

	run := s.runner.StartStream(r.Context(), req)

	sw, err := sse.NewWriter(w)
	if err != nil {
		run.Cancel()
		drain(run)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	for ev := range run.Events() {
		if err := sw.WriteJSON(string(ev.Kind), ev.ID, ev); err != nil {
			s.opts.Logger.Warn("server.stream.write_failed", "run_id", run.ID, "error", err.Error())
			run.Cancel()
			drain(run)

			return
		}
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.runRequest(w, r)
	if !ok {
		return
	}

	res, err := s.runner.RunSync(r.Context(), req)
	if err != nil {
		resp := errorBody(err)
		if res != nil {
			resp.RunID = res.RunID
		}

		writeJSON(w, statusFor(err), resp)

		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{RunID: res.RunID, Output: res.Output, Events: res.Events})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runner.Get(r.Context(), s.tenant(r), mux.Vars(r)["runID"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]

	rec, err := s.runner.Get(r.Context(), s.tenant(r), runID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if rec.State.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Errorf("run %s is already %s", runID, rec.State))
		return
	}

	if err := s.runner.Cancel(runID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func errMissingTenant(header string) error {
	return fmt.Errorf("missing %s header", header)
}

func drain(run *runner.Run) {
	for range run.Events() {
	}
}

// statusFor maps errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runstore.ErrNotFound), errors.Is(err, runner.ErrRunNotFound), errors.Is(err, definition.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return 499
	}

	switch core.KindOf(err) {
	case core.KindInvalidConfig, core.KindUnknownTool, core.KindMalformedWorkflow:
		return http.StatusUnprocessableEntity
	case core.KindCredentialUnavailable:
		return http.StatusFailedDependency
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindRemoteProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), Kind: core.KindOf(err), NodePath: core.PathOf(err)}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.MarshalWrite(w, v)
}
