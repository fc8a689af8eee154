package tool

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
)

// HTTPConfig describes an HTTP endpoint exposed as a tool. Header values are
// templates rendered with {{.secrets.<name>}} bound to the decrypted
// credentials of the owning agent.
type HTTPConfig struct {
	URL        string
	Method     string
	Headers    map[string]string
	Parameters map[string]any
	Timeout    time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
}

// HTTPConfigFromMap decodes the Config of a ToolRef of kind http.
func HTTPConfigFromMap(cfg map[string]any) (HTTPConfig, error) {
	hc := HTTPConfig{Method: http.MethodPost, Timeout: 30 * time.Second}

	hc.URL, _ = cfg["url"].(string)
	if hc.URL == "" {
		return hc, fmt.Errorf("http tool: url is required")
	}

	if u, err := url.Parse(hc.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return hc, fmt.Errorf("http tool: invalid url %q", hc.URL)
	}

	if m, _ := cfg["method"].(string); m != "" {
		hc.Method = strings.ToUpper(m)
	}

	if hdrs, ok := cfg["headers"].(map[string]any); ok {
		hc.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			hc.Headers[k] = fmt.Sprint(v)
		}
	}

	if params, ok := cfg["parameters"].(map[string]any); ok {
		hc.Parameters = params
	}

	if t, _ := cfg["timeout"].(string); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return hc, fmt.Errorf("http tool: invalid timeout %q: %w", t, err)
		}

		hc.Timeout = d
	}

	switch v := cfg["rate_limit"].(type) {
	case float64:
		hc.RateLimit = v
	case int:
		hc.RateLimit = float64(v)
	}

	return hc, nil
}

// HTTPTool calls an HTTP endpoint. GET and DELETE send arguments as query
// parameters, other methods as a JSON body. JSON responses are decoded.
type HTTPTool struct {
	name        string
	description string
	cfg         HTTPConfig
	headers     map[string]string
	client      *http.Client
	limiter     *rate.Limiter
}

// NewHTTPTool builds an HTTP tool, rendering its header templates with
// secrets. A header referencing a missing secret renders empty.
func NewHTTPTool(name, description string, cfg HTTPConfig, secrets map[string]core.Secret) (*HTTPTool, error) {
	revealed := make(map[string]any, len(secrets))
	for k, v := range secrets {
		revealed[k] = v.Reveal()
	}

	headers := make(map[string]string, len(cfg.Headers))

	for k, tmpl := range cfg.Headers {
		v, err := util.RenderTemplate(tmpl, map[string]any{"secrets": revealed})
		if err != nil {
			return nil, fmt.Errorf("http tool %s: header %s: %w", name, k, err)
		}

		headers[k] = v
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	if description == "" {
		description = fmt.Sprintf("Call %s %s", cfg.Method, cfg.URL)
	}

	return &HTTPTool{
		name:        name,
		description: description,
		cfg:         cfg,
		headers:     headers,
		client:      &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:     limiter,
	}, nil
}

// Name implements Tool.
func (t *HTTPTool) Name() string { return t.name }

// Description implements Tool.
func (t *HTTPTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *HTTPTool) Parameters() map[string]any { return t.cfg.Parameters }

// Call implements Tool.
func (t *HTTPTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	ctx := toolCtx.Context()

	if err := validate(t.name, args, t.cfg.Parameters); err != nil {
		return nil, err
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := t.newRequest(toolCtx, args)
	if err != nil {
		return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeValidation}
	}

	start := time.Now()

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeTransport}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeTransport}
	}

	toolCtx.LogDebug("tool.http.response", "tool", t.name, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Code:    CodeTransport,
			Details: string(body),
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded, nil
		}
	}

	return string(body), nil
}

func (t *HTTPTool) newRequest(toolCtx *core.ToolContext, args map[string]any) (*http.Request, error) {
	var (
		body   io.Reader
		target = t.cfg.URL
	)

	switch t.cfg.Method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(t.cfg.URL)
		if err != nil {
			return nil, err
		}

		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}

		u.RawQuery = q.Encode()
		target = u.String()
	default:
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(toolCtx.Context(), t.cfg.Method, target, body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Run-ID", toolCtx.RunID())

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
