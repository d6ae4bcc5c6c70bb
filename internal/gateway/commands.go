package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BangRocket/mypalclara/pkg/protocol"
)

// Command answers a synchronous adapter request. The semantics live here;
// adapters only marshal the call.
func (g *Gateway) Command(ctx context.Context, req protocol.CommandRequest) protocol.CommandResponse {
	userIDs := g.resolver.ResolveAll(ctx, req.UserID)

	switch req.Command {
	case protocol.CommandMemorySearch:
		if g.memory == nil {
			return protocol.Fail("memory is disabled")
		}
		query := argString(req.Args, "query")
		if query == "" {
			return protocol.Fail("missing 'query' argument")
		}
		nodes, err := g.memory.SearchMemories(ctx, query, userIDs, argInt(req.Args, "limit", 10))
		if err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.OK(nodes)

	case protocol.CommandMemoryKey:
		if g.memory == nil {
			return protocol.Fail("memory is disabled")
		}
		return protocol.OK(g.memory.KeyMemories(ctx, userIDs))

	case protocol.CommandMemoryGraph:
		if g.memory == nil {
			return protocol.Fail("memory is disabled")
		}
		return protocol.OK(g.memory.Graph(ctx, argString(req.Args, "query"), userIDs))

	case protocol.CommandStatus:
		return protocol.OK(g.statusReport(ctx, userIDs))

	case protocol.CommandMCPStatus:
		return protocol.OK(g.toolReport())

	case protocol.CommandHistory:
		lines, err := g.store.GetRecentCrossContext(ctx, userIDs, argInt(req.Args, "limit", 10))
		if err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.OK(lines)

	default:
		return protocol.Fail("unknown command: " + req.Command)
	}
}

func (g *Gateway) statusReport(ctx context.Context, userIDs []string) map[string]any {
	g.mu.RLock()
	sessions := len(g.sessions)
	g.mu.RUnlock()

	report := map[string]any{
		"status":         "ok",
		"uptime":         time.Since(g.started).Round(time.Second).String(),
		"sessions":       sessions,
		"memory_enabled": g.memory != nil,
	}
	if g.memory != nil {
		report["memories"] = g.memory.Count(ctx, userIDs)
	}
	return report
}

type toolStatus struct {
	Name     string `json:"name"`
	Decision string `json:"decision"`
}

func (g *Gateway) toolReport() []toolStatus {
	var out []toolStatus
	for _, name := range g.tools.List() {
		out = append(out, toolStatus{Name: name, Decision: g.policy.Evaluate(name).String()})
	}
	return out
}

func argString(args map[string]json.RawMessage, key string) string {
	raw, ok := args[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func argInt(args map[string]json.RawMessage, key string, def int) int {
	raw, ok := args[key]
	if !ok {
		return def
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
		return def
	}
	return n
}
