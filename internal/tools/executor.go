package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BangRocket/mypalclara/internal/providers"
)

// Auditor records tool invocations. Implemented by the history store.
type Auditor interface {
	RecordToolCall(ctx context.Context, userID, toolName, arguments, result string, success bool, duration time.Duration) error
}

// Executor runs tool calls under the security policy with a per-call
// deadline. Every failure path is flattened to an error string the LLM can
// read; the executor itself never returns an error.
type Executor struct {
	registry *Registry
	policy   *Policy
	auditor  Auditor
	timeout  time.Duration
	audit    bool
}

func NewExecutor(registry *Registry, policy *Policy, auditor Auditor, timeout time.Duration, auditEnabled bool) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{
		registry: registry,
		policy:   policy,
		auditor:  auditor,
		timeout:  timeout,
		audit:    auditEnabled,
	}
}

// Execute runs one tool call and returns the result string for the LLM.
func (e *Executor) Execute(ctx context.Context, call providers.ToolCall, userID string) string {
	start := time.Now()
	decision := e.policy.Evaluate(call.Name)

	var result string
	switch decision {
	case Blocked:
		result = fmt.Sprintf("Error: Tool '%s' is blocked by the security policy", call.Name)
		slog.Warn("tool call blocked", "tool", call.Name, "decision", decision.String())

	case RequiresApproval:
		result = fmt.Sprintf("[TOOL_BLOCKED: Tool '%s' requires user approval before it can run. Ask the user to approve it.]", call.Name)
		slog.Info("tool call needs approval", "tool", call.Name)

	default:
		result = e.run(ctx, call)
	}

	e.recordAudit(ctx, call, userID, decision, result, time.Since(start))
	return result
}

func (e *Executor) run(ctx context.Context, call providers.ToolCall) (result string) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool '%s'", call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "panic", r)
			result = fmt.Sprintf("Error: tool '%s' failed: %v", call.Name, r)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", call.Name, "panic", r)
				done <- ErrorResult(fmt.Sprintf("Error: tool '%s' failed: %v", call.Name, r))
			}
		}()
		done <- tool.Execute(runCtx, call.Arguments)
	}()

	select {
	case res := <-done:
		if res == nil {
			return fmt.Sprintf("Error: tool '%s' returned nothing", call.Name)
		}
		if res.IsError && !hasErrorPrefix(res.ForLLM) {
			return "Error: " + res.ForLLM
		}
		return res.ForLLM
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return fmt.Sprintf("Error: tool '%s' cancelled", call.Name)
		}
		return fmt.Sprintf("Error: Tool '%s' timed out after %ds", call.Name, int(e.timeout.Seconds()))
	}
}

func (e *Executor) recordAudit(ctx context.Context, call providers.ToolCall, userID string, decision Decision, result string, elapsed time.Duration) {
	if !e.audit || e.auditor == nil {
		return
	}

	argsJSON, _ := json.Marshal(call.Arguments)
	success := !hasErrorPrefix(result)
	if err := e.auditor.RecordToolCall(ctx, userID, call.Name, string(argsJSON), result, success, elapsed); err != nil {
		slog.Warn("tool audit failed", "tool", call.Name, "error", err)
	}

	slog.Debug("tool executed",
		"tool", call.Name,
		"decision", decision.String(),
		"success", success,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func hasErrorPrefix(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}
