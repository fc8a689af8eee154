package a2a

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/sse"
	"github.com/hupe1980/agentforge/logging"
)

var tracer = otel.Tracer("github.com/hupe1980/agentforge/a2a")

// DefaultPollInterval is the delay between tasks/get polls in Await.
const DefaultPollInterval = 500 * time.Millisecond

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient   *http.Client
	Headers      map[string]string
	PollInterval time.Duration
	Logger       logging.Logger
}

// Client calls a remote A2A endpoint. Every failure other than caller
// cancellation is reported as a RemoteProtocolError.
type Client struct {
	endpoint string
	opts     ClientOptions
	nextID   atomic.Int64
}

// NewClient creates a client for the JSON-RPC endpoint URL.
func NewClient(endpoint string, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		PollInterval: DefaultPollInterval,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Client{endpoint: strings.TrimRight(endpoint, "/"), opts: opts}
}

// Endpoint returns the remote endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint }

func protocolError(format string, args ...any) error {
	return core.Errorf(core.KindRemoteProtocolError, format, args...)
}

// transportError keeps caller cancellation distinguishable from protocol
// failures.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return protocolError("%s: %w", op, err)
}

func (c *Client) newRequest(ctx context.Context, method string, params any, accept string) (*http.Request, any, error) {
	id := c.nextID.Add(1)

	rpcReq, err := NewRequest(id, method, params)
	if err != nil {
		return nil, nil, protocolError("%w", err)
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, nil, protocolError("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, protocolError("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	return req, id, nil
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) (err error) {
	ctx, span := tracer.Start(ctx, "a2a.client "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	span.SetAttributes(attribute.String("a2a.endpoint", c.endpoint))

	req, _, err := c.newRequest(ctx, method, params, "application/json")
	if err != nil {
		return err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return transportError(ctx, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocolError("%s: unexpected status code %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var rpcResp Response
	if err := json.UnmarshalRead(resp.Body, &rpcResp); err != nil {
		return transportError(ctx, method+": decode response", err)
	}

	return decodeResult(method, &rpcResp, out)
}

func decodeResult(method string, rpcResp *Response, out any) error {
	if rpcResp.Error != nil {
		return protocolError("%s: %w", method, rpcResp.Error)
	}

	if len(rpcResp.Result) == 0 {
		return protocolError("%s: empty result", method)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return protocolError("%s: decode result: %w", method, err)
	}

	return nil
}

// Send submits a task and returns the task as reported by the remote agent.
// The remote endpoint answers tasks/send once the task is final.
func (c *Client) Send(ctx context.Context, params TaskSendParams) (*Task, error) {
	var t Task
	if err := c.call(ctx, MethodSend, params, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Get fetches the current state of a task.
func (c *Client) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.call(ctx, MethodGet, TaskIDParams{ID: id}, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.call(ctx, MethodCancel, TaskIDParams{ID: id}, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Await polls the task until it reaches a final state. Polls are paced by a
// rate limiter; interval <= 0 selects the configured poll interval.
func (c *Client) Await(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = c.opts.PollInterval
	}

	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, protocolError("await %s: %w", id, err)
		}

		t, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if t.Status.State.IsTerminal() {
			return t, nil
		}
	}
}

// SendSubscribe submits a task and streams its updates. The update channel
// is closed after the final status update; at most one error is delivered.
func (c *Client) SendSubscribe(ctx context.Context, params TaskSendParams) (<-chan StreamEvent, <-chan error) {
	eventCh := make(chan StreamEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(eventCh)

		if err := c.stream(ctx, params, eventCh); err != nil {
			errCh <- err
		}
	}()

	return eventCh, errCh
}

func (c *Client) stream(ctx context.Context, params TaskSendParams, eventCh chan<- StreamEvent) (err error) {
	ctx, span := tracer.Start(ctx, "a2a.client "+MethodSendSubscribe, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	req, _, err := c.newRequest(ctx, MethodSendSubscribe, params, sse.ContentType)
	if err != nil {
		return err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return transportError(ctx, MethodSendSubscribe, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocolError("%s: unexpected status code %d", MethodSendSubscribe, resp.StatusCode)
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != sse.ContentType {
		var rpcResp Response
		if err := json.UnmarshalRead(resp.Body, &rpcResp); err != nil {
			return transportError(ctx, MethodSendSubscribe+": decode response", err)
		}

		if err := decodeResult(MethodSendSubscribe, &rpcResp, &Task{}); err != nil {
			return err
		}

		return protocolError("%s: expected an event stream", MethodSendSubscribe)
	}

	dec := sse.NewDecoder(resp.Body)

	for {
		var rpcResp Response

		typ, err := dec.DecodeJSON(&rpcResp)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return protocolError("%s: stream ended before final status", MethodSendSubscribe)
			}

			return transportError(ctx, MethodSendSubscribe+": read stream", err)
		}

		var ev StreamEvent

		switch typ {
		case StreamEventStatus:
			ev.Status = &TaskStatusUpdateEvent{}
			err = decodeResult(MethodSendSubscribe, &rpcResp, ev.Status)
		case StreamEventArtifact:
			ev.Artifact = &TaskArtifactUpdateEvent{}
			err = decodeResult(MethodSendSubscribe, &rpcResp, ev.Artifact)
		default:
			c.opts.Logger.Debug("a2a.client.stream.unknown_event", "type", typ)
			continue
		}

		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case eventCh <- ev:
		}

		if ev.Status != nil && ev.Status.Final {
			return nil
		}
	}
}

// Card fetches the discovery card published next to the endpoint.
func (c *Client) Card(ctx context.Context) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, protocolError("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "get card", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError("get card: unexpected status code %d", resp.StatusCode)
	}

	var card AgentCard
	if err := json.UnmarshalRead(resp.Body, &card); err != nil {
		return nil, protocolError("get card: decode: %w", err)
	}

	return &card, nil
}
