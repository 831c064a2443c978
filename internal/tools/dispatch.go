package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jedikim/jedisos-sub000/internal/audit"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/policy"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Dispatch defaults.
const (
	DefaultInvokeTimeout = 60 * time.Second
	maxArgsSize          = 1 << 20
)

// Caller identifies who is asking for a tool call.
type Caller struct {
	UserID  string
	Channel string
}

// Dispatcher runs policy-checked, audited tool invocations. Dispatch
// never returns an error to the loop: every failure mode becomes an
// {error} outcome so the model can recover.
type Dispatcher struct {
	registry *Registry
	policy   *policy.Engine
	auditLog *audit.Log
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewDispatcher wires the dispatch path. metrics may be nil.
func NewDispatcher(registry *Registry, pol *policy.Engine, auditLog *audit.Log, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		policy:   pol,
		auditLog: auditLog,
		timeout:  DefaultInvokeTimeout,
		logger:   logger.With("component", "dispatch"),
		metrics:  metrics,
	}
}

// SetTimeout overrides the per-invocation deadline.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Invoke runs one tool call end to end: audit the intent, consult
// policy, run the invoker under the deadline. The outcome content is a
// JSON string for the model; ok=false payloads pass through unchanged.
func (d *Dispatcher) Invoke(ctx context.Context, call models.ToolCall, caller Caller) models.ToolOutcome {
	allowed, reason := d.policy.Check(call.Name, caller.UserID, caller.Channel)
	d.auditLog.Append(audit.Record{
		Kind:    audit.KindToolDispatch,
		Tool:    call.Name,
		UserID:  caller.UserID,
		Channel: caller.Channel,
		Allowed: allowed,
		Reason:  reason,
		Details: map[string]string{"call_id": call.ID},
	})
	if !allowed {
		d.count(call.Name, "denied")
		return errorOutcome(call.ID, reason)
	}

	descriptor, ok := d.registry.Get(call.Name)
	if !ok || !descriptor.Enabled {
		d.count(call.Name, "error")
		return errorOutcome(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if raw := call.ArgumentsJSON(); len(raw) > maxArgsSize {
		d.count(call.Name, "error")
		return errorOutcome(call.ID, fmt.Sprintf("arguments exceed %d bytes", maxArgsSize))
	}

	start := time.Now()
	result, err := d.run(ctx, descriptor, call.Arguments)
	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	}

	if err != nil {
		d.logger.Warn("tool failed", "tool", call.Name, "user", caller.UserID, "duration", elapsed, "error", err)
		d.count(call.Name, "error")
		return errorOutcome(call.ID, err.Error())
	}

	content, err := marshalResult(result)
	if err != nil {
		d.count(call.Name, "error")
		return errorOutcome(call.ID, fmt.Sprintf("unserializable result: %v", err))
	}
	d.logger.Debug("tool ok", "tool", call.Name, "user", caller.UserID, "duration", elapsed)
	d.count(call.Name, "ok")
	return models.ToolOutcome{CallID: call.ID, Content: content}
}

type invokeResult struct {
	value any
	err   error
}

// run executes the invoker under the deadline, converting panics into
// errors so one broken tool cannot take the turn down.
func (d *Dispatcher) run(ctx context.Context, descriptor Descriptor, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	results := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- invokeResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := descriptor.Invoke(ctx, args)
		results <- invokeResult{value: value, err: err}
	}()

	select {
	case res := <-results:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %s: %w", descriptor.Name, ctx.Err())
	}
}

func (d *Dispatcher) count(tool, status string) {
	if d.metrics != nil {
		d.metrics.ToolCounter.WithLabelValues(tool, status).Inc()
	}
}

// marshalResult renders the invoker's value for the model. Strings are
// assumed to already be model-facing text.
func marshalResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return `{"ok":true}`, nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func errorOutcome(callID, message string) models.ToolOutcome {
	raw, _ := json.Marshal(map[string]string{"error": message})
	return models.ToolOutcome{CallID: callID, Content: string(raw)}
}
