// Package dispatch sends commands to remote agents and registers each
// delivery with the execution tracker.
//
// A single target produces one execution. Several targets, or the reserved
// target "all", produce a fan-out: one parent execution addressed to
// "multi-agent" and one child per agent. The tracker resolves the parent once
// every child is terminal; this package only reports delivery outcomes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

var (
	// ErrNoTargets is returned when a request names no agents.
	ErrNoTargets = errors.New("dispatch: no targets")

	// ErrUnknownAgent is returned when a single-target request names an
	// agent that is not registered.
	ErrUnknownAgent = errors.New("dispatch: unknown agent")
)

// Tracker is the subset of the execution tracker the dispatcher drives.
type Tracker interface {
	Start(req tracker.StartRequest) (model.Execution, error)
	Complete(id string, result any) (model.Execution, bool)
	Fail(id string, errMsg string) (model.Execution, bool)
	AddLog(id string, message string) bool
	Get(id string) (model.Execution, bool)
	TimeoutFor(command, operationType string, override time.Duration) time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	// Agents maps agent names to base URLs.
	Agents map[string]string

	// CallbackURL is the hub base URL sent to agents for their callbacks.
	CallbackURL string

	// Concurrency bounds simultaneous agent requests per dispatch.
	Concurrency int

	// Retries is the number of extra attempts after a retryable failure.
	Retries int

	// RequestTimeout bounds each attempt.
	RequestTimeout time.Duration

	// RetryInitialInterval is the first backoff delay. Defaults to 200ms.
	RetryInitialInterval time.Duration

	// FanOutGrace is added to the children's deadline to form the fan-out
	// parent's, so the last child's timeout still resolves the parent from
	// its children. Defaults to 5s.
	FanOutGrace time.Duration

	HTTPClient *http.Client
}

// Request describes a command to deliver.
type Request struct {
	Command       string
	OperationType string
	Targets       []string
	Args          map[string]any

	// Timeout overrides the tracker's timeout policy when positive.
	Timeout time.Duration
}

// Result is the tracker state right after delivery. Execution is the single
// execution or the fan-out parent.
type Result struct {
	Execution model.Execution
	Children  []model.Execution
}

// Dispatcher delivers commands to agents over HTTP.
type Dispatcher struct {
	agents  map[string]string
	names   []string
	tracker Tracker
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Dispatcher.
func New(cfg Config, t Tracker, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 200 * time.Millisecond
	}
	if cfg.FanOutGrace <= 0 {
		cfg.FanOutGrace = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	agents := make(map[string]string, len(cfg.Agents))
	names := make([]string, 0, len(cfg.Agents))
	for name, u := range cfg.Agents {
		agents[name] = u
		names = append(names, name)
	}
	sort.Strings(names)

	return &Dispatcher{
		agents:  agents,
		names:   names,
		tracker: t,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		tracer:  telemetry.Tracer("kanshi/dispatch"),
	}
}

// Agents returns the registered agents sorted by name.
func (d *Dispatcher) Agents() []model.AgentInfo {
	out := make([]model.AgentInfo, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, model.AgentInfo{Name: name, URL: d.agents[name]})
	}
	return out
}

// resolve expands "all" and removes duplicates, preserving request order.
func (d *Dispatcher) resolve(targets []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, target := range targets {
		if target == model.AllAgents {
			for _, name := range d.names {
				add(name)
			}
			continue
		}
		add(target)
	}
	return out
}

// Dispatch registers the executions for req and delivers the command to
// every target. It returns once each agent has answered or exhausted its
// retries; executions an agent accepted asynchronously are still pending.
// Delivery is detached from ctx cancellation so a disconnecting caller does
// not fail executions that agents already received.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	targets := d.resolve(req.Targets)
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	ctx, span := d.tracer.Start(context.WithoutCancel(ctx), "dispatch",
		trace.WithAttributes(
			attribute.String("kanshi.command", req.Command),
			attribute.Int("kanshi.targets", len(targets)),
		))
	defer span.End()

	fanOut := len(targets) > 1 || slices.Contains(req.Targets, model.AllAgents)
	if !fanOut {
		return d.dispatchSingle(ctx, req, targets[0])
	}
	return d.dispatchFanOut(ctx, req, targets)
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, req Request, target string) (Result, error) {
	base, ok := d.agents[target]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAgent, target)
	}
	exec, err := d.tracker.Start(tracker.StartRequest{
		Command:       req.Command,
		AgentTarget:   target,
		OperationType: req.OperationType,
		Timeout:       req.Timeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: start execution: %w", err)
	}

	d.deliver(ctx, exec.CorrelationID, target, base, req)

	snap, _ := d.tracker.Get(exec.CorrelationID)
	return Result{Execution: snap}, nil
}

func (d *Dispatcher) dispatchFanOut(ctx context.Context, req Request, targets []string) (Result, error) {
	childTimeout := d.tracker.TimeoutFor(req.Command, req.OperationType, req.Timeout)
	parent, err := d.tracker.Start(tracker.StartRequest{
		Command:       req.Command,
		AgentTarget:   model.MultiAgentTarget,
		OperationType: req.OperationType,
		Timeout:       childTimeout + d.cfg.FanOutGrace,
	})
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: start parent execution: %w", err)
	}

	// Register every child before delivering to any of them, so a fast
	// agent cannot resolve the parent while siblings are still missing.
	type delivery struct {
		id, target, base string
	}
	var deliveries []delivery
	childIDs := make([]string, 0, len(targets))
	var unknown []string
	for _, target := range targets {
		child, err := d.tracker.Start(tracker.StartRequest{
			Command:       req.Command,
			AgentTarget:   target,
			OperationType: req.OperationType,
			ParentID:      parent.CorrelationID,
			Timeout:       childTimeout,
		})
		if err != nil {
			return Result{}, fmt.Errorf("dispatch: start child execution: %w", err)
		}
		childIDs = append(childIDs, child.CorrelationID)
		if base, ok := d.agents[target]; ok {
			deliveries = append(deliveries, delivery{child.CorrelationID, target, base})
		} else {
			unknown = append(unknown, child.CorrelationID)
		}
	}

	for _, id := range unknown {
		d.tracker.Fail(id, "unknown agent")
	}

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for _, dl := range deliveries {
		g.Go(func() error {
			d.deliver(ctx, dl.id, dl.target, dl.base, req)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Children: make([]model.Execution, 0, len(childIDs))}
	res.Execution, _ = d.tracker.Get(parent.CorrelationID)
	for _, id := range childIDs {
		if snap, ok := d.tracker.Get(id); ok {
			res.Children = append(res.Children, snap)
		}
	}
	return res, nil
}

// deliver sends the command to one agent and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, id, target, base string, req Request) {
	ctx, span := d.tracer.Start(ctx, "dispatch.deliver",
		trace.WithAttributes(
			attribute.String("kanshi.agent", target),
			attribute.String("kanshi.correlation_id", id),
		))
	defer span.End()

	cmd := model.AgentCommand{
		CorrelationID: id,
		Command:       req.Command,
		OperationType: req.OperationType,
		Args:          req.Args,
		CallbackURL:   d.cfg.CallbackURL,
	}

	attempts := 0
	reply, err := backoff.Retry(ctx, func() (*model.AgentReply, error) {
		attempts++
		return d.post(ctx, base, cmd)
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.cfg.Retries+1)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("dispatch: agent delivery failed",
			"correlation_id", id,
			"agent", target,
			"attempts", attempts,
			"error", err)
		d.tracker.Fail(id, fmt.Sprintf("delivery to %s failed: %v", target, err))
		return
	}

	if attempts > 1 {
		d.tracker.AddLog(id, fmt.Sprintf("Delivered to %s after %d attempts", target, attempts))
	}
	if reply == nil {
		d.tracker.AddLog(id, "Accepted by "+target)
		return
	}
	switch reply.Status {
	case "failed":
		msg := reply.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		d.tracker.Fail(id, msg)
	default:
		d.tracker.Complete(id, reply.Result)
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	b.MaxInterval = 5 * time.Second
	return b
}

// post performs one delivery attempt. A nil reply means the agent accepted
// the command and will call back. Client errors are permanent.
func (d *Dispatcher) post(ctx context.Context, base string, cmd model.AgentCommand) (*model.AgentReply, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal command: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", cmd.CorrelationID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		if len(bytes.TrimSpace(respBody)) == 0 {
			return &model.AgentReply{Status: "success"}, nil
		}
		var reply model.AgentReply
		if err := json.Unmarshal(respBody, &reply); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode agent reply: %w", err))
		}
		return &reply, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("agent returned %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	}
}
