package kanshi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrStreamClosed is returned by Subscribe when the hub closes the stream.
var ErrStreamClosed = errors.New("kanshi: event stream closed")

// agentHeader identifies the calling agent; the hub rate limits callbacks
// per agent name.
const agentHeader = "X-Kanshi-Agent"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kanshi hub (e.g. "http://localhost:8080").
	BaseURL string

	// AgentName is sent with every request so the hub can attribute and rate
	// limit callbacks. Optional for operators and dashboards.
	AgentName string

	// HTTPClient is an optional custom HTTP client. Long polls and
	// subscriptions outlive ordinary requests, so a client-wide Timeout
	// should be avoided; per-request deadlines come from Timeout below.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kanshi API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	agentName string
	client    *http.Client
	timeout   time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or malformed.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kanshi: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kanshi: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		agentName: cfg.AgentName,
		client:    httpClient,
		timeout:   timeout,
	}, nil
}

// ---------------------------------------------------------------------------
// Execution lifecycle
// ---------------------------------------------------------------------------

// Start registers a pending execution. The hub returns a conflict error
// (see IsConflict) when CorrelationID is already tracked.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	var resp Execution
	if err := c.post(ctx, "/v1/executions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get returns the current snapshot of an execution. Executions evicted from
// the hub's memory are served from its archive when one is configured.
func (c *Client) Get(ctx context.Context, id string) (*Execution, error) {
	var resp Execution
	if err := c.get(ctx, "/v1/executions/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll is Get for status pollers: the hub records the first time a poller
// observed the execution, for poll-versus-callback latency diagnostics.
func (c *Client) Poll(ctx context.Context, id string) (*Execution, error) {
	var resp Execution
	if err := c.get(ctx, "/v1/executions/"+url.PathEscape(id)+"?poll=true", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns tracked executions, newest first.
func (c *Client) List(ctx context.Context, opts *ListOptions) (*ListResponse, error) {
	return c.list(ctx, "/v1/executions", opts)
}

// ListArchived returns archived executions, newest first.
func (c *Client) ListArchived(ctx context.Context, opts *ListOptions) (*ListResponse, error) {
	return c.list(ctx, "/v1/archive/executions", opts)
}

// GetArchived reads an execution from the hub's archive only.
func (c *Client) GetArchived(ctx context.Context, id string) (*Execution, error) {
	var resp Execution
	if err := c.get(ctx, "/v1/archive/executions/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete reports success for an execution. result may be nil.
func (c *Client) Complete(ctx context.Context, id string, result any) (*Execution, error) {
	body := map[string]any{}
	if result != nil {
		body["result"] = result
	}
	var resp Execution
	if err := c.post(ctx, "/v1/executions/"+url.PathEscape(id)+"/complete", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fail reports failure for an execution.
func (c *Client) Fail(ctx context.Context, id, errMsg string) (*Execution, error) {
	var resp Execution
	if err := c.post(ctx, "/v1/executions/"+url.PathEscape(id)+"/fail", map[string]string{"error": errMsg}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Terminate marks a pending execution as manually terminated.
func (c *Client) Terminate(ctx context.Context, id, reason string) (*Execution, error) {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Execution
	if err := c.post(ctx, "/v1/executions/"+url.PathEscape(id)+"/terminate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddLog appends a line to an execution's log.
func (c *Client) AddLog(ctx context.Context, id, message string) error {
	return c.post(ctx, "/v1/executions/"+url.PathEscape(id)+"/logs", map[string]string{"message": message}, nil)
}

// Wait blocks until the execution is terminal or timeout elapses, and
// reports whether it finished. A zero timeout uses the hub's default.
// The hub caps long timeouts; callers that need longer waits call again.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (*Execution, bool, error) {
	path := "/v1/executions/" + url.PathEscape(id) + "/wait"
	reqTimeout := c.timeout + 30*time.Second
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
		reqTimeout = c.timeout + timeout
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	var resp Execution
	header, err := c.do(req, reqTimeout, &resp)
	if err != nil {
		return nil, false, err
	}
	finished := header.Get("X-Kanshi-Wait") != "timeout" && resp.Status.IsTerminal()
	return &resp, finished, nil
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Dispatch asks the hub to deliver a command. It returns once every agent
// has accepted or answered; executions accepted asynchronously are still
// pending in the response.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	var resp DispatchResponse
	if err := c.post(ctx, "/v1/dispatch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agents lists the agents the hub can dispatch to.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health returns the hub's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Subscribe streams execution events until ctx is cancelled or fn returns
// an error. A non-empty id limits the stream to that execution and its
// children. Returns nil when ctx ends the stream.
func (c *Client) Subscribe(ctx context.Context, id string, fn func(Event) error) error {
	path := "/v1/subscribe"
	if id != "" {
		path += "?id=" + url.QueryEscape(id)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a text/event-stream body. Only "event:" and "data:"
// fields are used; comments (keepalives) are skipped.
func readEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var eventType string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev Event
				if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
					return fmt.Errorf("kanshi: decode event: %w", err)
				}
				if ev.Type == "" {
					ev.Type = eventType
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("kanshi: read event stream: %w", err)
	}
	return ErrStreamClosed
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) list(ctx context.Context, base string, opts *ListOptions) (*ListResponse, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Agent != "" {
			params.Set("agent", opts.Agent)
		}
		if opts.ParentID != "" {
			params.Set("parent", opts.ParentID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := base
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env listEnvelope
	if _, err := c.doRaw(req, c.timeout, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		env.Data = []Execution{}
	}
	return &ListResponse{
		Executions: env.Data,
		Total:      env.Total,
		HasMore:    env.HasMore,
		Limit:      env.Limit,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kanshi: marshal request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req, c.timeout, dest)
	return err
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, c.timeout, dest)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("kanshi: create request: %w", err)
	}
	if c.agentName != "" {
		req.Header.Set(agentHeader, c.agentName)
	}
	return req, nil
}

// do sends req and decodes the "data" envelope into dest.
func (c *Client) do(req *http.Request, timeout time.Duration, dest any) (http.Header, error) {
	var env apiEnvelope
	header, err := c.doRaw(req, timeout, &env)
	if err != nil || dest == nil || len(env.Data) == 0 {
		return header, err
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return header, fmt.Errorf("kanshi: decode response: %w", err)
	}
	return header, nil
}

// doRaw sends req and decodes the whole body into dest.
func (c *Client) doRaw(req *http.Request, timeout time.Duration, dest any) (http.Header, error) {
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, fmt.Errorf("kanshi: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.Header, parseErrorResponse(resp.StatusCode, body)
	}
	if dest == nil || len(body) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return resp.Header, fmt.Errorf("kanshi: decode response envelope: %w", err)
	}
	return resp.Header, nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
