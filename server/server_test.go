package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/builder"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/engine"
	"github.com/hupe1980/agentforge/internal/sse"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/resolver"
	"github.com/hupe1980/agentforge/runner"
	"github.com/hupe1980/agentforge/runstore"
)

const tenant = "acme"

type fixture struct {
	srv    *httptest.Server
	runner *runner.Runner
	llm    *model.ScriptedModel
}

func newFixture(t *testing.T, turns ...model.Turn) *fixture {
	t.Helper()

	defs := definition.NewMemoryStore(&core.AgentDefinition{
		ID:          "capital",
		TenantID:    tenant,
		Description: "Answers geography questions",
		Type:        core.AgentTypeLLM,
		Model:       "scripted",
		Instruction: "Answer briefly.",
	})

	llm := model.NewScriptedModel("m", turns...)

	registry := model.NewRegistry()
	registry.Register("scripted", llm)

	r := runner.New(
		resolver.New(func(o *resolver.Options) { o.Definitions = defs }),
		builder.New(func(o *builder.Options) { o.Models = registry }),
		engine.New(func(o *engine.Options) { o.Config.GracePeriod = time.Second }),
		func(o *runner.Options) { o.Definitions = defs },
	)

	s := New(r, func(o *Options) {
		o.A2A = a2a.NewServer(r, func(o *a2a.ServerOptions) { o.Definitions = defs })
	})

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, runner: r, llm: llm}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", tenant)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestServer_StreamRun(t *testing.T) {
	f := newFixture(t, model.Turn{Text: "Paris is the capital"})

	resp := f.do(t, http.MethodPost, "/v1/agents/capital/runs", `{"input":"Capital of France?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	dec := sse.NewDecoder(resp.Body)

	var (
		events []core.Event
		types  []string
	)

	for {
		var ev core.Event

		typ, err := dec.DecodeJSON(&ev)
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		types = append(types, typ)
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "started", types[0])
	assert.Equal(t, "completed", types[len(types)-1])

	last := events[len(events)-1]
	assert.True(t, last.IsTerminal())
	assert.Equal(t, "Paris is the capital", last.Text)
}

func TestServer_StreamPreparationFailure(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/agents/missing/runs", `{"input":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ev core.Event

	_, err := sse.NewDecoder(resp.Body).DecodeJSON(&ev)
	require.NoError(t, err)
	assert.True(t, ev.IsTerminal())
	assert.Equal(t, core.EventFailed, ev.Kind)
}

func TestServer_SyncRunAndStatus(t *testing.T) {
	f := newFixture(t, model.Turn{Text: "Paris"})

	resp := f.do(t, http.MethodPost, "/v1/agents/capital/runs:sync", `{"input":"Capital of France?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SyncResponse
	require.NoError(t, json.UnmarshalRead(resp.Body, &out))
	assert.Equal(t, "Paris", out.Output.Text)
	require.NotEmpty(t, out.RunID)

	resp = f.do(t, http.MethodGet, "/v1/runs/"+out.RunID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec runstore.Record
	require.NoError(t, json.UnmarshalRead(resp.Body, &rec))
	assert.Equal(t, core.RunCompleted, rec.State)

	resp = f.do(t, http.MethodDelete, "/v1/runs/"+out.RunID, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t, model.Turn{Text: "ok"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		tenant string
		status int
	}{
		{"missing tenant", http.MethodPost, "/v1/agents/capital/runs:sync", `{}`, "-", http.StatusBadRequest},
		{"bad body", http.MethodPost, "/v1/agents/capital/runs:sync", `{`, tenant, http.StatusBadRequest},
		{"unknown agent", http.MethodPost, "/v1/agents/missing/runs:sync", `{}`, tenant, http.StatusNotFound},
		{"unknown run", http.MethodGet, "/v1/runs/nope", "", tenant, http.StatusNotFound},
		{"cancel unknown run", http.MethodDelete, "/v1/runs/nope", "", tenant, http.StatusNotFound},
		{"other tenant", http.MethodGet, "/v1/runs/nope", "", "other", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)

			if tt.tenant != "-" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)

			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.UnmarshalRead(resp.Body, &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestServer_CancelRun(t *testing.T) {
	f := newFixture(t, model.Turn{Block: true})

	run, err := f.runner.Start(context.Background(), runner.Request{AgentID: "capital", TenantID: tenant})
	require.NoError(t, err)

	<-f.llm.Started()

	resp := f.do(t, http.MethodDelete, "/v1/runs/"+run.ID, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var last core.Event
	for ev := range run.Events() {
		last = ev
	}

	assert.Equal(t, core.KindCancelled, last.ErrorKind)
}

func TestServer_Websocket(t *testing.T) {
	f := newFixture(t, model.Turn{Text: "Paris"})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/agents/capital/runs/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Tenant-ID": {tenant}})
	require.NoError(t, err)

	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"input":"Capital of France?"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var events []core.Event

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}

		var ev core.Event
		require.NoError(t, json.Unmarshal(msg, &ev))

		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, core.EventStarted, events[0].Kind)
	assert.True(t, events[len(events)-1].IsTerminal())
	assert.Equal(t, "Paris", events[len(events)-1].Text)
}

func TestServer_OperationalRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/a2a/capital/.well-known/agent.json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card a2a.AgentCard
	require.NoError(t, json.UnmarshalRead(resp.Body, &card))
	assert.Equal(t, "Answers geography questions", card.Description)
	assert.Equal(t, f.srv.URL+"/a2a/capital", card.URL)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(definition.ErrNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(core.NewError(core.KindInvalidConfig, "x")))
	assert.Equal(t, http.StatusBadGateway, statusFor(core.NewError(core.KindRemoteProtocolError, "x")))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(core.NewError(core.KindTimeout, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}
