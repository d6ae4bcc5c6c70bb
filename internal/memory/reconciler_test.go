package memory

import (
	"context"
	"testing"
	"time"
)

func TestReconcileExecutesActionsInOrder(t *testing.T) {
	store := newFakeStore()
	store.searchResults["u1"] = []Node{
		nodeAt(KindFact, 0.9, "m1", "User lives in Bergen", time.Hour),
		nodeAt(KindFact, 0.7, "m4", "User dislikes winter", time.Hour),
		nodeAt(KindFact, 0.05, "m2", "weak match", time.Hour),
		nodeAt(KindTopicMention, 0.8, "m3", "topic noise", time.Hour),
	}

	// Candidate ids sort to [m1, m4]: alias 0 = m1, alias 1 = m4.
	llm := &fakeLLM{responses: []string{`{"memory":[
		{"id":"","text":"User has a dog named Rex","event":"ADD"},
		{"id":"0","text":"User lives in Oslo","event":"UPDATE","old_memory":"User lives in Bergen"},
		{"id":"1","event":"DELETE"},
		{"id":"0","text":"ignored","event":"MERGE"}
	]}`}}

	hist := &fakeHistory{}
	r := NewReconciler(store, &fakeEmbedder{}, llm, hist)
	r.Reconcile(context.Background(), []string{"User has a dog named Rex", "User lives in Oslo"}, "u1", nil)

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.inserted))
	}
	if store.inserted[0].Text != "User has a dog named Rex" {
		t.Errorf("unexpected inserted text: %q", store.inserted[0].Text)
	}
	if store.inserted[0].Kind != KindFact {
		t.Errorf("inserted kind = %q, want %q", store.inserted[0].Kind, KindFact)
	}
	if store.inserted[0].Category == "" {
		t.Errorf("ADD did not classify a category")
	}

	if len(store.updated) != 1 || store.updated[0] != "m1" {
		t.Errorf("expected update of m1, got %v", store.updated)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "m4" {
		t.Errorf("expected delete of m4, got %v", store.deleted)
	}
	if len(store.supersessions) != 1 || store.supersessions[0][0] != "m4" {
		t.Errorf("expected supersession of m4, got %v", store.supersessions)
	}

	// Three history entries: ADD, UPDATE, DELETE. The bogus event is NONE.
	if len(hist.entries) != 3 {
		t.Fatalf("expected 3 history entries, got %v", hist.entries)
	}
	wantPrefixes := []string{"ADD:", "UPDATE:", "DELETE:"}
	for i, p := range wantPrefixes {
		if len(hist.entries[i]) < len(p) || hist.entries[i][:len(p)] != p {
			t.Errorf("entry %d = %q, want prefix %q", i, hist.entries[i], p)
		}
	}
}

func TestReconcileSkipsUnknownAliases(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{responses: []string{`{"memory":[
		{"id":"42","text":"phantom","event":"UPDATE"},
		{"id":"7","event":"DELETE"}
	]}`}}

	r := NewReconciler(store, &fakeEmbedder{}, llm, nil)
	r.Reconcile(context.Background(), []string{"some fact"}, "u1", nil)

	if len(store.updated) != 0 || len(store.deleted) != 0 {
		t.Errorf("hallucinated ids were applied: updated=%v deleted=%v", store.updated, store.deleted)
	}
}

func TestReconcileWithoutLLMAddsEverything(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, &fakeEmbedder{}, nil, nil)
	r.Reconcile(context.Background(), []string{"fact one", "fact two"}, "u1", map[string]any{"source": "test"})

	if len(store.inserted) != 2 {
		t.Fatalf("expected 2 inserts, got %d", len(store.inserted))
	}
	if src, _ := store.inserted[0].Metadata["source"].(string); src != "test" {
		t.Errorf("caller metadata not merged: %v", store.inserted[0].Metadata)
	}
	if _, ok := store.inserted[0].Metadata["category"]; !ok {
		t.Errorf("category not merged into metadata")
	}
}

func TestReconcileEmptyFactsIsNoop(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	r := NewReconciler(store, embedder, &fakeLLM{}, nil)
	r.Reconcile(context.Background(), nil, "u1", nil)

	if embedder.batchCalls != 0 {
		t.Errorf("embedded despite empty fact list")
	}
}
