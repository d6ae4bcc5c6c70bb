package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestService(store *fakeStore, llm *fakeLLM) *Service {
	embedder := &fakeEmbedder{}
	var completer Completer
	if llm != nil {
		completer = llm
	}
	return NewService(
		store,
		embedder,
		NewExtractor(completer),
		NewReconciler(store, embedder, completer, nil),
		NewEmotionTracker(store, embedder),
		NewTopicTracker(store, embedder, completer, 3),
		nil,
	)
}

func TestBuildPromptSectionsOrderAndOmission(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	c := Context{
		KeyMemories:      []Node{{Text: "User's name is Sam"}},
		RelevantMemories: []Node{{Text: "Sam runs marathons"}},
		GraphRelations:   []string{"Sam → owns → Rex"},
		RecurringTopics:  []RecurringTopic{{Topic: "marathon", Mentions: 3, Weight: "heavy"}},
		// EmotionalContext intentionally empty.
	}

	sections := svc.BuildPromptSections(c)
	if len(sections) != 4 {
		t.Fatalf("expected 4 sections, got %d: %v", len(sections), sections)
	}
	wantHeads := []string{"KEY MEMORIES", "RELEVANT MEMORIES", "KNOWN RELATIONSHIPS", "RECURRING TOPICS"}
	for i, head := range wantHeads {
		if !strings.HasPrefix(sections[i], head) {
			t.Errorf("section %d starts %q, want %q", i, sections[i][:min(len(sections[i]), 30)], head)
		}
	}
}

func TestBuildPromptSectionsCapsRelevant(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	var c Context
	for i := 0; i < 30; i++ {
		c.RelevantMemories = append(c.RelevantMemories, Node{Text: "m"})
	}
	sections := svc.BuildPromptSections(c)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	if got := strings.Count(sections[0], "\n- "); got+1 != promptRelevantCap {
		// First bullet follows the header newline.
		lines := strings.Count(sections[0], "- m")
		if lines != promptRelevantCap {
			t.Errorf("relevant section has %d bullets, want %d", lines, promptRelevantCap)
		}
	}
}

func TestBuildPromptSectionsAllEmpty(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	if sections := svc.BuildPromptSections(Context{}); len(sections) != 0 {
		t.Errorf("expected no sections, got %v", sections)
	}
}

func TestFetchContextSortsAndReinforces(t *testing.T) {
	store := newFakeStore()
	store.searchResults["u1"] = []Node{
		nodeAt(KindFact, 0.4, "low", "weak", time.Hour),
		nodeAt(KindFact, 0.9, "high", "strong", time.Hour),
	}
	store.fsrsStates["high"] = &FsrsState{
		MemoryID: "high", Stability: 1, Difficulty: 5,
		RetrievalStrength: 1, StorageStrength: 0.5, ImportanceWeight: 1,
		LastAccessedAt: time.Now().Add(-24 * time.Hour),
	}

	svc := newTestService(store, nil)
	got := svc.FetchContext(context.Background(), "what do you know", []string{"u1"})

	if len(got.RelevantMemories) != 2 {
		t.Fatalf("expected 2 relevant memories, got %d", len(got.RelevantMemories))
	}
	if got.RelevantMemories[0].ID != "high" {
		t.Errorf("memories not sorted by score desc: %v", got.RelevantMemories)
	}

	if len(store.accessEvents) != 1 || store.accessEvents[0] != "high" {
		t.Errorf("expected access event for high, got %v", store.accessEvents)
	}
	if len(store.fsrsUpdated) != 1 {
		t.Fatalf("expected 1 fsrs update, got %d", len(store.fsrsUpdated))
	}
	if updated := store.fsrsUpdated[0]; updated.AccessCount != 1 || updated.Stability <= 1 {
		t.Errorf("reinforcement did not strengthen state: %+v", updated)
	}
}

func TestFetchContextNoUsers(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	got := svc.FetchContext(context.Background(), "q", nil)
	if len(got.RelevantMemories) != 0 || len(got.KeyMemories) != 0 {
		t.Errorf("expected empty context, got %+v", got)
	}
}

func TestAddRunsExtractionPipeline(t *testing.T) {
	store := newFakeStore()
	// First call: fact extraction. Second: reconciliation. Third: topics.
	llm := &fakeLLM{responses: []string{
		`{"facts": ["User adopted a dog named Rex"]}`,
		`{"memory":[{"id":"","text":"User adopted a dog named Rex","event":"ADD"}]}`,
		`{"mentions":[{"topic":"Rex","topicType":"entity","contextSnippet":"new dog","emotionalWeight":"light"}]}`,
	}}

	svc := newTestService(store, llm)
	svc.Add(context.Background(), "we adopted a dog, Rex!", "congrats!", "u1")

	var factNodes, topicNodes int
	for _, n := range store.inserted {
		if n.Kind == KindTopicMention {
			topicNodes++
		} else {
			factNodes++
		}
	}
	if factNodes != 1 {
		t.Errorf("expected 1 fact memory, got %d", factNodes)
	}
	if topicNodes != 1 {
		t.Errorf("expected 1 topic node, got %d", topicNodes)
	}
	if len(store.entityTexts) != 1 || !strings.Contains(store.entityTexts[0], "Rex") {
		t.Errorf("graph enrichment should use the fact list: %v", store.entityTexts)
	}
}
