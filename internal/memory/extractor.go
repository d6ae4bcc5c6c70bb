package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

const factExtractionPrompt = `Extract durable personal facts about the user from this exchange.
Facts are short declarative sentences worth remembering long-term: preferences,
relationships, plans, biographical details, ongoing projects. Ignore
pleasantries, one-off requests and anything the assistant said about itself.

Respond with JSON only, in exactly this shape:
{"facts": ["fact one", "fact two"]}
If there is nothing worth remembering, respond {"facts": []}.

User: %USER%
Assistant: %ASSISTANT%`

// Extractor distils an exchange into short declarative facts with the
// auxiliary LLM.
type Extractor struct {
	llm Completer
}

func NewExtractor(llm Completer) *Extractor {
	return &Extractor{llm: llm}
}

// Extract returns the facts found in the exchange. Any transport or parse
// failure yields an empty list.
func (e *Extractor) Extract(ctx context.Context, userMessage, assistantMessage string) []string {
	if e.llm == nil {
		return nil
	}

	prompt := strings.NewReplacer(
		"%USER%", userMessage,
		"%ASSISTANT%", assistantMessage,
	).Replace(factExtractionPrompt)

	raw, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Debug("fact extraction call failed", "error", err)
		return nil
	}

	var parsed struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(StripFences(raw)), &parsed); err != nil {
		slog.Debug("fact extraction parse failed", "error", err)
		return nil
	}

	var facts []string
	for _, f := range parsed.Facts {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, f)
		}
	}
	return facts
}
