package a2a

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/sse"
	"github.com/hupe1980/agentforge/logging"
)

// SSE event types of tasks/sendSubscribe streams.
const (
	StreamEventStatus   = "status-update"
	StreamEventArtifact = "artifact-update"
)

// outputArtifactID names the artifact carrying an agent's answer.
const outputArtifactID = "output"

// Execution is a started agent run as seen by the A2A server. Events must
// end with exactly one terminal event followed by channel close.
type Execution interface {
	Events() <-chan core.Event
	Cancel()
}

// Executor starts agent runs for inbound tasks.
type Executor interface {
	StartRun(ctx context.Context, agentID, tenantID, input string) (Execution, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Tasks         *TaskStore
	Definitions   core.DefinitionStore
	BaseURL       string
	TenantHeader  string
	DefaultTenant string
	// TaskRetention is how long finished tasks stay queryable; 0 keeps them
	// for the life of the server.
	TaskRetention time.Duration
	Logger        logging.Logger
}

// Server exposes agents as A2A tasks over JSON-RPC 2.0.
type Server struct {
	exec   Executor
	opts   ServerOptions
	router *mux.Router

	mu      sync.Mutex
	running map[string]Execution
}

// NewServer creates a Server that starts runs through exec.
func NewServer(exec Executor, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{
		TenantHeader:  "X-Tenant-ID",
		TaskRetention: time.Hour,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tasks == nil {
		opts.Tasks = NewTaskStore(opts.TaskRetention)
	}

	s := &Server{
		exec:    exec,
		opts:    opts,
		router:  mux.NewRouter(),
		running: make(map[string]Execution),
	}
	s.Register(s.router)

	return s
}

// Register mounts the A2A routes on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/a2a/{agentID}", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/a2a/{agentID}/.well-known/agent.json", s.handleCard).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Tasks returns the task store.
func (s *Server) Tasks() *TaskStore { return s.opts.Tasks }

func (s *Server) tenant(r *http.Request) string {
	if t := r.Header.Get(s.opts.TenantHeader); t != "" {
		return t
	}

	return s.opts.DefaultTenant
}

func (s *Server) owner(r *http.Request, agentID string) Owner {
	return Owner{TenantID: s.tenant(r), AgentID: agentID}
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]

	if s.opts.Definitions == nil {
		http.Error(w, "no definitions configured", http.StatusNotFound)
		return
	}

	def, err := s.opts.Definitions.Get(r.Context(), s.tenant(r), agentID)
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	baseURL := s.opts.BaseURL
	if baseURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}

		baseURL = scheme + "://" + r.Host
	}

	writeJSON(w, http.StatusOK, CardFromDefinition(def, baseURL))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]

	var req Request
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(nil, NewRPCError(JSONParseErrorCode, "Invalid JSON payload")))
		return
	}

	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(InvalidRequestErrorCode, "Request payload validation error")))
		return
	}

	s.opts.Logger.Debug("a2a.request", "method", req.Method, "agent", agentID)

	switch req.Method {
	case MethodSend:
		s.handleSend(w, r, &req, agentID)
	case MethodSendSubscribe:
		s.handleSendSubscribe(w, r, &req, agentID)
	case MethodGet:
		s.handleGet(w, &req, s.owner(r, agentID))
	case MethodCancel:
		s.handleCancel(w, &req, s.owner(r, agentID))
	default:
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(MethodNotFoundErrorCode, "Method not found")))
	}
}

func (s *Server) decodeSendParams(req *Request) (TaskSendParams, *RPCError) {
	var p TaskSendParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, NewRPCError(InvalidParamsErrorCode, "Invalid parameters")
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	return p, nil
}

// start registers the task and starts the run. A start failure leaves the
// task failed and returns a nil execution.
func (s *Server) start(ctx context.Context, agentID, tenant string, p TaskSendParams) (Execution, *RPCError) {
	if _, err := s.opts.Tasks.Create(Owner{TenantID: tenant, AgentID: agentID}, p.ID, p.ContextID, p.Message); err != nil {
		return nil, NewRPCError(InvalidParamsErrorCode, err.Error())
	}

	exec, err := s.exec.StartRun(ctx, agentID, tenant, TextOf(p.Message.Parts))
	if err != nil {
		s.opts.Logger.Warn("a2a.task.start_failed", "task_id", p.ID, "agent", agentID, "error", err.Error())

		msg := Message{Role: "agent", Parts: []Part{NewTextPart(err.Error())}}
		_, _ = s.opts.Tasks.Transition(p.ID, TaskStateFailed, &msg)

		return nil, nil
	}

	s.mu.Lock()
	s.running[p.ID] = exec
	s.mu.Unlock()

	_, _ = s.opts.Tasks.Transition(p.ID, TaskStateWorking, nil)

	return exec, nil
}

func (s *Server) forget(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// finish records the outcome carried by a terminal event.
func (s *Server) finish(taskID string, ev core.Event) *Task {
	var err error

	switch {
	case ev.Kind == core.EventCompleted:
		if err = s.opts.Tasks.AddArtifact(taskID, outputArtifact(ev, false)); err == nil {
			msg := Message{Role: "agent", Parts: []Part{NewTextPart(ev.Text)}}
			_, err = s.opts.Tasks.Transition(taskID, TaskStateCompleted, &msg)
		}
	case ev.ErrorKind == core.KindCancelled:
		_, err = s.opts.Tasks.Transition(taskID, TaskStateCancelled, nil)
	default:
		msg := Message{Role: "agent", Parts: []Part{NewTextPart(ev.ErrorMessage)}}
		_, err = s.opts.Tasks.Transition(taskID, TaskStateFailed, &msg)
	}

	if err != nil {
		s.opts.Logger.Debug("a2a.task.finish_skipped", "task_id", taskID, "error", err.Error())
	}

	t, _ := s.opts.Tasks.Get(taskID)

	return t
}

func outputArtifact(ev core.Event, lastChunk bool) Artifact {
	parts := []Part{NewTextPart(ev.Text)}
	if len(ev.Output) > 0 {
		parts = append(parts, NewDataPart(ev.Output))
	}

	return Artifact{ArtifactID: outputArtifactID, Name: outputArtifactID, Parts: parts, LastChunk: lastChunk}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, req *Request, agentID string) {
	p, rpcErr := s.decodeSendParams(req)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, rpcErr))
		return
	}

	exec, rpcErr := s.start(r.Context(), agentID, s.tenant(r), p)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, rpcErr))
		return
	}

	var task *Task

	if exec != nil {
		defer s.forget(p.ID)

		for ev := range exec.Events() {
			if ev.IsTerminal() {
				task = s.finish(p.ID, ev)
			}
		}
	}

	if task == nil {
		task, _ = s.opts.Tasks.Get(p.ID)
	}

	s.writeResult(w, req.ID, task)
}

func (s *Server) handleSendSubscribe(w http.ResponseWriter, r *http.Request, req *Request, agentID string) {
	p, rpcErr := s.decodeSendParams(req)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, rpcErr))
		return
	}

	exec, rpcErr := s.start(r.Context(), agentID, s.tenant(r), p)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, rpcErr))
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		if exec != nil {
			exec.Cancel()
			for range exec.Events() {
			}
			s.forget(p.ID)
		}

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	send := func(typ string, v any) {
		resp, err := NewResponse(req.ID, v)
		if err == nil {
			err = sw.WriteJSON(typ, "", resp)
		}

		if err != nil {
			s.opts.Logger.Debug("a2a.stream.write_failed", "task_id", p.ID, "error", err.Error())
		}
	}

	if exec == nil {
		t, _ := s.opts.Tasks.Get(p.ID)
		send(StreamEventStatus, TaskStatusUpdateEvent{ID: p.ID, Status: t.Status, Final: true})

		return
	}

	defer s.forget(p.ID)

	send(StreamEventStatus, TaskStatusUpdateEvent{ID: p.ID, Status: TaskStatus{State: TaskStateWorking, Timestamp: time.Now().UTC()}})

	for ev := range exec.Events() {
		switch {
		case ev.Kind == core.EventPartialOutput && ev.Text != "":
			send(StreamEventArtifact, TaskArtifactUpdateEvent{ID: p.ID, Artifact: Artifact{
				ArtifactID: outputArtifactID,
				Name:       outputArtifactID,
				Parts:      []Part{NewTextPart(ev.Text)},
				Append:     true,
			}})
		case ev.IsTerminal():
			t := s.finish(p.ID, ev)

			if ev.Kind == core.EventCompleted {
				send(StreamEventArtifact, TaskArtifactUpdateEvent{ID: p.ID, Artifact: outputArtifact(ev, true)})
			}

			send(StreamEventStatus, TaskStatusUpdateEvent{ID: p.ID, Status: t.Status, Final: true})
		}
	}
}

func (s *Server) handleGet(w http.ResponseWriter, req *Request, owner Owner) {
	var p TaskIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(InvalidParamsErrorCode, "Invalid parameters")))
		return
	}

	t, err := s.opts.Tasks.GetOwned(owner, p.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(TaskNotFoundErrorCode, "Task not found")))
		return
	}

	s.writeResult(w, req.ID, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, req *Request, owner Owner) {
	var p TaskIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(InvalidParamsErrorCode, "Invalid parameters")))
		return
	}

	if _, err := s.opts.Tasks.GetOwned(owner, p.ID); err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(TaskNotFoundErrorCode, "Task not found")))
		return
	}

	t, err := s.opts.Tasks.Transition(p.ID, TaskStateCancelled, nil)
	if err != nil {
		code := TaskNotCancelableErrorCode
		if errors.Is(err, ErrTaskNotFound) {
			code = TaskNotFoundErrorCode
		}

		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, NewRPCError(code, err.Error())))

		return
	}

	s.mu.Lock()
	exec := s.running[p.ID]
	s.mu.Unlock()

	if exec != nil {
		exec.Cancel()
	}

	s.opts.Logger.Info("a2a.task.cancelled", "task_id", p.ID)

	s.writeResult(w, req.ID, t)
}

func (s *Server) writeResult(w http.ResponseWriter, id any, result any) {
	resp, err := NewResponse(id, result)
	if err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(id, NewRPCError(InternalErrorCode, "Internal error")))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.MarshalWrite(w, v)
}
