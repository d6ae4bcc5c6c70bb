package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BangRocket/mypalclara/internal/memory"
)

// TimeTool reports the current time.
type TimeTool struct{}

func (t *TimeTool) Name() string        { return "time__now" }
func (t *TimeTool) Description() string { return "Get the current date and time." }

func (t *TimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. Europe/Oslo. Defaults to UTC.",
			},
		},
	}
}

func (t *TimeTool) Execute(_ context.Context, args map[string]any) *Result {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", tz))
		}
		loc = parsed
	}
	return NewResult(time.Now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"))
}

// MemorySearchTool lets the LLM query the memory plane directly. The turn's
// linked user ids arrive via the tool context.
type MemorySearchTool struct {
	service *memory.Service
}

func NewMemorySearchTool(service *memory.Service) *MemorySearchTool {
	return &MemorySearchTool{service: service}
}

func (t *MemorySearchTool) Name() string { return "memory__search" }

func (t *MemorySearchTool) Description() string {
	return "Search the user's long-term memories by meaning. Use when the user refers to something you might already know about them."
}

func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for.",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Maximum results, default 10.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := 10
	if n, ok := args["limit"].(float64); ok && int(n) > 0 {
		limit = int(n)
	}

	userIDs := ToolUserIDsFromCtx(ctx)
	if len(userIDs) == 0 {
		return ErrorResult("no user bound to this call")
	}

	nodes, err := t.service.SearchMemories(ctx, query, userIDs, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	if len(nodes) == 0 {
		return NewResult("No matching memories.")
	}

	var b strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&b, "- %s (%.2f)\n", n.Text, n.Score)
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// MemoryGraphTool surfaces the entity graph.
type MemoryGraphTool struct {
	service *memory.Service
}

func NewMemoryGraphTool(service *memory.Service) *MemoryGraphTool {
	return &MemoryGraphTool{service: service}
}

func (t *MemoryGraphTool) Name() string { return "memory__graph" }

func (t *MemoryGraphTool) Description() string {
	return "Look up known relationships between people, places and things in the user's life."
}

func (t *MemoryGraphTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Entity name or substring to look up. Empty lists everything known.",
			},
		},
	}
}

func (t *MemoryGraphTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	userIDs := ToolUserIDsFromCtx(ctx)
	if len(userIDs) == 0 {
		return ErrorResult("no user bound to this call")
	}
	relations := t.service.Graph(ctx, query, userIDs)
	if len(relations) == 0 {
		return NewResult("No known relationships.")
	}
	return NewResult(strings.Join(relations, "\n"))
}
