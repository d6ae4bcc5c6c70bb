// Package orchestrator drives the multi-turn tool-calling loop against an
// LLM provider and turns it into an ordered stream of events.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BangRocket/mypalclara/internal/providers"
	"github.com/BangRocket/mypalclara/pkg/protocol"
)

const maxToolIterationsMessage = "You've reached the maximum number of tool calls. Please summarise what you've accomplished."

// ToolExecutor runs one tool call and returns the result string.
type ToolExecutor interface {
	Execute(ctx context.Context, call providers.ToolCall, userID string) string
}

// Options bound the tool loop.
type Options struct {
	MaxIterations      int
	MaxToolResultChars int
	AutoContinue       bool
	AutoContinueMax    int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.MaxToolResultChars <= 0 {
		o.MaxToolResultChars = 30000
	}
	if o.AutoContinueMax <= 0 {
		o.AutoContinueMax = 3
	}
	return o
}

// Orchestrator owns the provider registry and the tool executor.
type Orchestrator struct {
	registry *providers.Registry
	executor ToolExecutor
	opts     Options
}

func New(registry *providers.Registry, executor ToolExecutor, opts Options) *Orchestrator {
	return &Orchestrator{registry: registry, executor: executor, opts: opts.withDefaults()}
}

// GenerateWithTools runs the loop and emits events in occurrence order.
// Exactly one Complete is emitted on success; a cancelled context terminates
// the stream without one.
func (o *Orchestrator) GenerateWithTools(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, tier, userID string, emit func(protocol.StreamEvent)) error {
	text, toolCount, err := o.generate(ctx, messages, tools, tier, userID, emit, 0, 0)
	if err != nil {
		return err
	}
	emit(protocol.Complete(text, toolCount))
	return nil
}

// generate runs one loop segment. stepBase carries the tool step numbering
// across auto-continue recursions so ToolStart steps stay monotonic within a
// top-level call; the returned count covers this segment only.
func (o *Orchestrator) generate(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, tier, userID string, emit func(protocol.StreamEvent), autoContinueCount, stepBase int) (string, int, error) {
	provider, model, err := o.registry.ForTier(tier)
	if err != nil {
		return "", 0, err
	}

	// No tools: plain streamed completion.
	if len(tools) == 0 {
		resp, err := provider.ChatStream(ctx, providers.ChatRequest{Messages: messages, Model: model}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				emit(protocol.TextChunk(chunk.Content))
			}
		})
		if err != nil {
			return "", 0, err
		}
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		return resp.Content, 0, nil
	}

	working := append([]providers.Message(nil), messages...)
	totalTools := 0

	for iteration := 0; iteration < o.opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", totalTools, err
		}

		resp, err := provider.Chat(ctx, providers.ChatRequest{Messages: working, Tools: tools, Model: model})
		if err != nil {
			return "", totalTools, err
		}

		if len(resp.ToolCalls) == 0 {
			text := resp.Content
			if iteration == 0 {
				// First pass produced plain text: re-issue streaming so the
				// user sees tokens as they arrive.
				streamed, err := provider.ChatStream(ctx, providers.ChatRequest{Messages: working, Model: model}, func(chunk providers.StreamChunk) {
					if chunk.Content != "" {
						emit(protocol.TextChunk(chunk.Content))
					}
				})
				if err != nil {
					return "", totalTools, err
				}
				text = streamed.Content
			} else {
				if err := o.simulateStream(ctx, text, emit); err != nil {
					return "", totalTools, err
				}
			}
			if err := ctx.Err(); err != nil {
				return "", totalTools, err
			}

			if o.opts.AutoContinue && autoContinueCount < o.opts.AutoContinueMax && looksInterrogative(text) {
				slog.Debug("auto-continuing", "count", autoContinueCount+1)
				next := append(append([]providers.Message(nil), working...),
					providers.Message{Role: "assistant", Content: text},
					providers.Message{Role: "user", Content: "Yes, please proceed."},
				)
				continuation, contTools, err := o.generate(ctx, next, tools, tier, userID, emit, autoContinueCount+1, stepBase+totalTools)
				if err != nil {
					return "", totalTools, err
				}
				return text + continuation, totalTools + contTools, nil
			}
			return text, totalTools, nil
		}

		working = append(working, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", totalTools, err
			}
			totalTools++
			emit(protocol.ToolStart(call.Name, stepBase+totalTools))

			result := o.executor.Execute(ctx, call, userID)
			if len(result) > o.opts.MaxToolResultChars {
				result = result[:o.opts.MaxToolResultChars] +
					fmt.Sprintf("\n\n[Result truncated to %d characters]", o.opts.MaxToolResultChars)
			}

			working = append(working, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})

			success := !strings.HasPrefix(result, "Error:")
			emit(protocol.ToolResult(call.Name, success, preview(result, 200)))
		}
	}

	// Iteration cap: one final summary turn without tools.
	working = append(working, providers.Message{Role: "user", Content: maxToolIterationsMessage})
	resp, err := provider.Chat(ctx, providers.ChatRequest{Messages: working, Model: model})
	if err != nil {
		return "", totalTools, err
	}
	if err := o.simulateStream(ctx, resp.Content, emit); err != nil {
		return "", totalTools, err
	}
	return resp.Content, totalTools, nil
}

// simulateStream re-plays already-collected text as chunks of roughly fifty
// characters, split on word boundaries.
func (o *Orchestrator) simulateStream(ctx context.Context, text string, emit func(protocol.StreamEvent)) error {
	words := strings.SplitAfter(text, " ")
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w)
		if b.Len() >= 50 {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(protocol.TextChunk(b.String()))
			b.Reset()
		}
	}
	if b.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(protocol.TextChunk(b.String()))
	}
	return nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Complete issues one plain completion on the given tier. Used by the memory
// plane's auxiliary extraction calls.
func (o *Orchestrator) Complete(ctx context.Context, prompt, tier string) (string, error) {
	provider, model, err := o.registry.ForTier(tier)
	if err != nil {
		return "", err
	}
	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    model,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// AuxCompleter pins the auxiliary completions to one tier, satisfying the
// memory plane's Completer interface.
type AuxCompleter struct {
	Orchestrator *Orchestrator
	Tier         string
}

func (a *AuxCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return a.Orchestrator.Complete(ctx, prompt, a.Tier)
}
