package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const minCandidateScore = 0.1

// HistoryAppender records memory mutations for auditing.
type HistoryAppender interface {
	AppendMemoryHistory(ctx context.Context, userID, memoryID, event, text, oldText string) error
}

// Reconciler merges newly extracted facts into the existing memory set with
// one LLM adjudication call per batch.
type Reconciler struct {
	store    Store
	embedder Embedder
	llm      Completer
	history  HistoryAppender
}

func NewReconciler(store Store, embedder Embedder, llm Completer, history HistoryAppender) *Reconciler {
	return &Reconciler{store: store, embedder: embedder, llm: llm, history: history}
}

type candidate struct {
	node  Node
	alias int
}

type reconcileAction struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

// Reconcile decides, per fact, whether to add a new memory or revise an
// existing one, then applies the decisions in order. Failures of individual
// actions are logged and skipped; the batch always runs to the end.
func (r *Reconciler) Reconcile(ctx context.Context, facts []string, userID string, metadata map[string]any) {
	if len(facts) == 0 {
		return
	}

	vecs, err := r.embedder.EmbedBatch(ctx, facts)
	if err != nil {
		slog.Warn("reconcile embed failed", "error", err)
		return
	}

	candidates := r.collectCandidates(ctx, facts, vecs, userID)

	decisions, err := r.adjudicate(ctx, facts, candidates)
	if err != nil {
		slog.Warn("reconcile adjudication failed", "error", err)
		return
	}

	aliasToID := make(map[string]string, len(candidates))
	aliasText := make(map[string]string, len(candidates))
	for _, c := range candidates {
		key := strconv.Itoa(c.alias)
		aliasToID[key] = c.node.ID
		aliasText[key] = c.node.Text
	}

	var lastAddedID string
	for _, action := range decisions {
		event := strings.ToUpper(strings.TrimSpace(action.Event))
		switch event {
		case "ADD", "UPDATE", "DELETE":
		default:
			continue // anything else is NONE
		}

		realID, known := aliasToID[action.ID]

		switch event {
		case "ADD":
			if strings.TrimSpace(action.Text) == "" {
				continue
			}
			vec, err := r.embedder.Embed(ctx, action.Text)
			if err != nil {
				slog.Warn("reconcile add embed failed", "error", err)
				continue
			}
			id := uuid.NewString()
			meta := mergeMetadata(metadata, Classify(action.Text))
			r.store.InsertMemory(ctx, id, vec, action.Text, userID, meta)
			lastAddedID = id
			r.appendHistory(ctx, userID, id, "ADD", action.Text, "")

		case "UPDATE":
			if !known || strings.TrimSpace(action.Text) == "" {
				slog.Warn("reconcile update skipped", "alias", action.ID, "known", known)
				continue
			}
			vec, err := r.embedder.Embed(ctx, action.Text)
			if err != nil {
				slog.Warn("reconcile update embed failed", "error", err)
				continue
			}
			oldText := action.OldMemory
			if oldText == "" {
				oldText = aliasText[action.ID]
			}
			r.store.UpdateMemory(ctx, realID, vec, action.Text)
			r.appendHistory(ctx, userID, realID, "UPDATE", action.Text, oldText)

		case "DELETE":
			if !known {
				slog.Warn("reconcile delete skipped", "alias", action.ID)
				continue
			}
			r.store.DeleteMemory(ctx, realID)
			if lastAddedID != "" {
				r.store.RecordSupersession(ctx, realID, lastAddedID, userID, "reconciliation")
			}
			r.appendHistory(ctx, userID, realID, "DELETE", "", aliasText[action.ID])
		}
	}
}

// collectCandidates searches the store for each fact concurrently, then
// de-duplicates by id keeping the highest score, drops weak matches and
// drops context kinds that never take part in reconciliation.
func (r *Reconciler) collectCandidates(ctx context.Context, facts []string, vecs [][]float32, userID string) []candidate {
	results := make([][]Node, len(facts))
	var wg sync.WaitGroup
	for i := range facts {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.store.Search(ctx, vecs[i], []string{userID}, 5)
		}(i)
	}
	wg.Wait()

	best := make(map[string]Node)
	for _, nodes := range results {
		for _, n := range nodes {
			if n.Score < minCandidateScore {
				continue
			}
			if n.Kind == KindTopicMention || n.Kind == KindEmotionalContext {
				continue
			}
			if prev, ok := best[n.ID]; !ok || n.Score > prev.Score {
				best[n.ID] = n
			}
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, candidate{node: best[id], alias: i})
	}
	return out
}

// adjudicate issues the single reconciliation call. Candidates are presented
// under small integer aliases so the model cannot hallucinate store ids.
func (r *Reconciler) adjudicate(ctx context.Context, facts []string, candidates []candidate) ([]reconcileAction, error) {
	if r.llm == nil {
		// Without an adjudicator every fact is a plain ADD.
		actions := make([]reconcileAction, len(facts))
		for i, f := range facts {
			actions[i] = reconcileAction{Event: "ADD", Text: f}
		}
		return actions, nil
	}

	var b strings.Builder
	b.WriteString("You maintain a long-term memory store. Merge the new facts into the existing memories.\n\n")
	b.WriteString("Existing memories:\n")
	if len(candidates) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&b, "%d: %s\n", c.alias, c.node.Text)
	}
	b.WriteString("\nNew facts:\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString(`
For each decision emit one object:
- ADD: a genuinely new fact. "id" may be empty.
- UPDATE: a fact that revises an existing memory. "id" must be one of the listed numbers; include "old_memory".
- DELETE: an existing memory the new facts contradict. "id" must be one of the listed numbers.
- NONE: nothing to change.
Respond with JSON only:
{"memory":[{"id":"0","text":"...","event":"ADD|UPDATE|DELETE|NONE","old_memory":"..."}]}`)

	raw, err := r.llm.Complete(ctx, b.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Memory []reconcileAction `json:"memory"`
	}
	if err := json.Unmarshal([]byte(StripFences(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("parse reconciliation response: %w", err)
	}
	return parsed.Memory, nil
}

func (r *Reconciler) appendHistory(ctx context.Context, userID, memoryID, event, text, oldText string) {
	if r.history == nil {
		return
	}
	if err := r.history.AppendMemoryHistory(ctx, userID, memoryID, event, text, oldText); err != nil {
		slog.Warn("memory history append failed", "event", event, "error", err)
	}
}

func mergeMetadata(metadata map[string]any, category string) map[string]any {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["category"] = category
	return meta
}
