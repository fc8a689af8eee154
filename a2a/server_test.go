package a2a

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

// fakeExecution replays scripted events. A blocking execution waits for
// Cancel and then fails with a Cancelled terminal event.
type fakeExecution struct {
	events chan core.Event
	cancel chan struct{}
	once   sync.Once
}

func (e *fakeExecution) Events() <-chan core.Event { return e.events }

func (e *fakeExecution) Cancel() { e.once.Do(func() { close(e.cancel) }) }

type fakeExecutor struct {
	mu      sync.Mutex
	inputs  []string
	tenants []string
	reply   func(input string) []core.Event
	block   bool
	err     error
	started chan *fakeExecution
}

func newFakeExecutor(reply func(input string) []core.Event) *fakeExecutor {
	return &fakeExecutor{reply: reply, started: make(chan *fakeExecution, 8)}
}

func (f *fakeExecutor) StartRun(_ context.Context, _, tenantID, input string) (Execution, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.tenants = append(f.tenants, tenantID)
	f.mu.Unlock()

	exec := &fakeExecution{events: make(chan core.Event), cancel: make(chan struct{})}

	go func() {
		defer close(exec.events)

		if f.block {
			<-exec.cancel

			failed := core.NewFailedEvent("run-1", "agent", core.NewError(core.KindCancelled, "run cancelled"))
			failed.Final = true
			exec.events <- failed

			return
		}

		for _, ev := range f.reply(input) {
			exec.events <- ev
		}
	}()

	f.started <- exec

	return exec, nil
}

func (f *fakeExecutor) seenTenants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.tenants...)
}

func echoReply(input string) []core.Event {
	completed := core.NewCompletedEvent("run-1", "agent", core.Output{Text: "echo: " + input})
	completed.Final = true

	return []core.Event{
		core.NewPartialOutputEvent("agent", "echo: "),
		core.NewPartialOutputEvent("agent", input),
		completed,
	}
}

type staticDefinitions map[string]*core.AgentDefinition

func (s staticDefinitions) Get(_ context.Context, _, id string) (*core.AgentDefinition, error) {
	def, ok := s[id]
	if !ok {
		return nil, errors.New("not found")
	}

	return def, nil
}

func newTestServer(t *testing.T, exec Executor) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(exec, func(o *ServerOptions) {
		o.DefaultTenant = "acme"
		o.Definitions = staticDefinitions{
			"echo": {ID: "echo", Name: "Echo", Type: core.AgentTypeLLM},
		}
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return srv, ts
}

func TestServer_SendRoundTrip(t *testing.T) {
	exec := newFakeExecutor(echoReply)
	_, ts := newTestServer(t, exec)

	client := NewClient(ts.URL+"/a2a/echo", func(o *ClientOptions) {
		o.Headers = map[string]string{"X-Tenant-ID": "globex"}
	})

	task, err := client.Send(context.Background(), TaskSendParams{ID: "t1", Message: NewUserMessage("hi")})
	require.NoError(t, err)

	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, TaskStateCompleted, task.Status.State)
	assert.Equal(t, "echo: hi", task.Text())
	assert.Equal(t, []string{"globex"}, exec.seenTenants())

	got, err := client.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCompleted, got.Status.State)

	_, err = client.Cancel(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, core.KindRemoteProtocolError, core.KindOf(err))

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, TaskNotCancelableErrorCode, rpcErr.Code)
}

func TestServer_SendSubscribeStream(t *testing.T) {
	_, ts := newTestServer(t, newFakeExecutor(echoReply))

	client := NewClient(ts.URL + "/a2a/echo")

	eventCh, errCh := client.SendSubscribe(context.Background(), TaskSendParams{ID: "t2", Message: NewUserMessage("there")})

	var (
		chunks []string
		states []TaskState
		final  *Artifact
	)

	for ev := range eventCh {
		switch {
		case ev.Status != nil:
			states = append(states, ev.Status.Status.State)
		case ev.Artifact.Artifact.LastChunk:
			a := ev.Artifact.Artifact
			final = &a
		default:
			chunks = append(chunks, TextOf(ev.Artifact.Artifact.Parts))
		}
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"echo: ", "there"}, chunks)
	assert.Equal(t, []TaskState{TaskStateWorking, TaskStateCompleted}, states)
	require.NotNil(t, final)
	assert.Equal(t, "echo: there", TextOf(final.Parts))
}

func TestServer_CancelRunningTask(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.block = true

	srv, ts := newTestServer(t, exec)
	client := NewClient(ts.URL + "/a2a/echo")

	type result struct {
		task *Task
		err  error
	}

	done := make(chan result, 1)

	go func() {
		task, err := client.Send(context.Background(), TaskSendParams{ID: "t3", Message: NewUserMessage("slow")})
		done <- result{task, err}
	}()

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run not started")
	}

	canceled, err := client.Cancel(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCancelled, canceled.Status.State)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, TaskStateCancelled, res.task.Status.State)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}

	stored, err := srv.Tasks().Get("t3")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCancelled, stored.Status.State)
}

func TestServer_StartFailure(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.err = errors.New("agent not found")

	_, ts := newTestServer(t, exec)

	task, err := NewClient(ts.URL+"/a2a/missing").Send(context.Background(), TaskSendParams{ID: "t4", Message: NewUserMessage("x")})
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, task.Status.State)
	assert.Equal(t, "agent not found", task.Error)
}

func TestServer_ProtocolErrors(t *testing.T) {
	_, ts := newTestServer(t, newFakeExecutor(echoReply))

	post := func(t *testing.T, body string) *Response {
		t.Helper()

		resp, err := http.Post(ts.URL+"/a2a/echo", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		var rpcResp Response
		require.NoError(t, json.UnmarshalRead(resp.Body, &rpcResp))

		return &rpcResp
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, JSONParseErrorCode},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"tasks/get"}`, InvalidRequestErrorCode},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"tasks/explode"}`, MethodNotFoundErrorCode},
		{"unknown task", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"nope"}}`, TaskNotFoundErrorCode},
		{"missing id", `{"jsonrpc":"2.0","id":1,"method":"tasks/cancel","params":{}}`, InvalidParamsErrorCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestServer_AgentCard(t *testing.T) {
	_, ts := newTestServer(t, newFakeExecutor(echoReply))

	card, err := NewClient(ts.URL + "/a2a/echo").Card(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Echo", card.Name)
	assert.Equal(t, ts.URL+"/a2a/echo", card.URL)

	_, err = NewClient(ts.URL + "/a2a/unknown").Card(context.Background())
	require.Error(t, err)
}

func TestClient_ProtocolFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Send(context.Background(), TaskSendParams{ID: "t", Message: NewUserMessage("x")})
	require.Error(t, err)
	assert.Equal(t, core.KindRemoteProtocolError, core.KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewClient(ts.URL).Get(ctx, "t")
	require.ErrorIs(t, err, context.Canceled)
}

func TestServer_TasksScopedToTenantAndAgent(t *testing.T) {
	_, ts := newTestServer(t, newFakeExecutor(echoReply))

	owner := NewClient(ts.URL+"/a2a/echo", func(o *ClientOptions) {
		o.Headers = map[string]string{"X-Tenant-ID": "tenant-a"}
	})

	_, err := owner.Send(context.Background(), TaskSendParams{ID: "t5", Message: NewUserMessage("secret")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		tenant string
	}{
		{"other tenant", "/a2a/echo", "tenant-b"},
		{"other agent", "/a2a/other", "tenant-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(ts.URL+tt.path, func(o *ClientOptions) {
				o.Headers = map[string]string{"X-Tenant-ID": tt.tenant}
			})

			var rpcErr *RPCError

			_, err := c.Get(context.Background(), "t5")
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, TaskNotFoundErrorCode, rpcErr.Code)

			_, err = c.Cancel(context.Background(), "t5")
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, TaskNotFoundErrorCode, rpcErr.Code)
		})
	}

	got, err := owner.Get(context.Background(), "t5")
	require.NoError(t, err)
	assert.Equal(t, "echo: secret", got.Text())
}

func TestTaskState_Wire(t *testing.T) {
	data, err := json.Marshal(TaskStatus{State: TaskStateCancelled})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"cancelled"`)

	for _, in := range []string{`{"state":"cancelled"}`, `{"state":"canceled"}`} {
		var st TaskStatus
		require.NoError(t, json.Unmarshal([]byte(in), &st))
		assert.Equal(t, TaskStateCancelled, st.State)
		assert.True(t, st.State.IsTerminal())
	}
}
