package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	topicWindow      = 14 * 24 * time.Hour
	defaultMaxTopics = 3
)

// TopicMention is one extracted topic occurrence.
type TopicMention struct {
	Topic           string `json:"topic"`
	TopicType       string `json:"topicType"`
	ContextSnippet  string `json:"contextSnippet"`
	EmotionalWeight string `json:"emotionalWeight"`
}

// TopicTracker extracts topic mentions from exchanges and reports which
// topics keep coming back.
type TopicTracker struct {
	store     Store
	embedder  Embedder
	llm       Completer
	maxTopics int
}

func NewTopicTracker(store Store, embedder Embedder, llm Completer, maxTopics int) *TopicTracker {
	if maxTopics <= 0 {
		maxTopics = defaultMaxTopics
	}
	return &TopicTracker{store: store, embedder: embedder, llm: llm, maxTopics: maxTopics}
}

const topicExtractionPrompt = `Identify up to three topics the user meaningfully engaged with in this exchange.
A topic is an entity (a named person, place, project, thing) or a theme (a recurring subject of discussion).

Respond with JSON only:
{"mentions":[{"topic":"...","topicType":"entity|theme","contextSnippet":"short quote or paraphrase","emotionalWeight":"light|moderate|heavy"}]}
If nothing qualifies, respond {"mentions":[]}.

User: %USER%
Assistant: %ASSISTANT%`

// ExtractAndStore pulls topic mentions out of the exchange and persists each
// as a topic_mention node. Failures are logged and swallowed.
func (t *TopicTracker) ExtractAndStore(ctx context.Context, userMsg, assistantMsg, userID string) {
	if t.llm == nil {
		return
	}

	prompt := strings.NewReplacer(
		"%USER%", userMsg,
		"%ASSISTANT%", assistantMsg,
	).Replace(topicExtractionPrompt)

	raw, err := t.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Debug("topic extraction call failed", "error", err)
		return
	}

	var parsed struct {
		Mentions []TopicMention `json:"mentions"`
	}
	if err := json.Unmarshal([]byte(StripFences(raw)), &parsed); err != nil {
		slog.Debug("topic extraction parse failed", "error", err)
		return
	}

	count := 0
	for _, m := range parsed.Mentions {
		if m.Topic == "" || count >= 3 {
			continue
		}
		count++

		text := fmt.Sprintf("Topic %q (%s): %s", m.Topic, normalizeWeight(m.EmotionalWeight), m.ContextSnippet)
		vec, err := t.embedder.Embed(ctx, text)
		if err != nil {
			slog.Debug("topic embed failed", "topic", m.Topic, "error", err)
			continue
		}
		t.store.InsertMemory(ctx, uuid.NewString(), vec, text, userID, map[string]any{
			"kind":             KindTopicMention,
			"topic":            strings.ToLower(strings.TrimSpace(m.Topic)),
			"topic_type":       normalizeTopicType(m.TopicType),
			"emotional_weight": normalizeWeight(m.EmotionalWeight),
		})
	}
}

// RecurringTopic is a topic with at least two mentions inside the window.
type RecurringTopic struct {
	Topic    string
	Mentions int
	Weight   string
}

// GetRecurringTopics groups the last two weeks of topic_mention nodes by
// topic and returns those mentioned at least twice, most-mentioned first,
// each annotated with its modal emotional weight.
func (t *TopicTracker) GetRecurringTopics(ctx context.Context, userIDs []string) []RecurringTopic {
	nodes := t.store.GetAll(ctx, userIDs, map[string]string{"kind": KindTopicMention}, 500)
	cutoff := time.Now().Add(-topicWindow)

	type agg struct {
		count   int
		weights map[string]int
	}
	byTopic := make(map[string]*agg)
	for _, n := range nodes {
		if n.CreatedAt.Before(cutoff) {
			continue
		}
		topic, _ := n.Metadata["topic"].(string)
		if topic == "" {
			continue
		}
		a, ok := byTopic[topic]
		if !ok {
			a = &agg{weights: make(map[string]int)}
			byTopic[topic] = a
		}
		a.count++
		weight, _ := n.Metadata["emotional_weight"].(string)
		a.weights[normalizeWeight(weight)]++
	}

	var out []RecurringTopic
	for topic, a := range byTopic {
		if a.count < 2 {
			continue
		}
		out = append(out, RecurringTopic{Topic: topic, Mentions: a.count, Weight: modalWeight(a.weights)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Topic < out[j].Topic
	})
	if len(out) > t.maxTopics {
		out = out[:t.maxTopics]
	}
	return out
}

func modalWeight(weights map[string]int) string {
	best, bestCount := "light", -1
	// Fixed scan order keeps ties deterministic.
	for _, w := range []string{"heavy", "moderate", "light"} {
		if weights[w] > bestCount {
			best, bestCount = w, weights[w]
		}
	}
	return best
}

func normalizeWeight(w string) string {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "heavy":
		return "heavy"
	case "moderate":
		return "moderate"
	default:
		return "light"
	}
}

func normalizeTopicType(t string) string {
	if strings.EqualFold(strings.TrimSpace(t), "entity") {
		return "entity"
	}
	return "theme"
}
