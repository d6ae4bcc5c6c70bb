package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEmotionSessionLifecycle(t *testing.T) {
	store := newFakeStore()
	tracker := NewEmotionTracker(store, &fakeEmbedder{})

	tracker.Observe("u1", "c1", "I'm so happy, great news about the job!")
	tracker.Observe("u1", "c1", "thanks, feeling wonderful")
	tracker.Observe("u1", "c1", "what's the weather like")

	tracker.FinalizeSession(context.Background(), "u1", "c1")

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 snapshot node, got %d", len(store.inserted))
	}
	n := store.inserted[0]
	if n.Kind != KindEmotionalContext {
		t.Errorf("kind = %q, want %q", n.Kind, KindEmotionalContext)
	}
	if !strings.Contains(n.Text, "positive") {
		t.Errorf("summary should read positive: %q", n.Text)
	}
	if !strings.Contains(n.Text, "3 messages") {
		t.Errorf("summary should count messages: %q", n.Text)
	}

	// Finalizing again is a no-op.
	tracker.FinalizeSession(context.Background(), "u1", "c1")
	if len(store.inserted) != 1 {
		t.Errorf("double finalize wrote %d nodes", len(store.inserted))
	}
}

func TestEmotionSweepInactive(t *testing.T) {
	store := newFakeStore()
	tracker := NewEmotionTracker(store, &fakeEmbedder{})

	tracker.Observe("u1", "c1", "this is awful, I'm so frustrated")
	// Backdate the session.
	tracker.mu.Lock()
	tracker.sessions["u1|c1"].lastActivity = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()

	tracker.Observe("u2", "c2", "hello")

	tracker.SweepInactive(context.Background(), 30*time.Minute)

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 swept snapshot, got %d", len(store.inserted))
	}
	if store.inserted[0].UserID != "u1" {
		t.Errorf("swept wrong session: %s", store.inserted[0].UserID)
	}
	if !strings.Contains(store.inserted[0].Text, "negative") {
		t.Errorf("summary should read negative: %q", store.inserted[0].Text)
	}

	// The live session survives the sweep.
	tracker.mu.Lock()
	_, alive := tracker.sessions["u2|c2"]
	tracker.mu.Unlock()
	if !alive {
		t.Errorf("active session was swept")
	}
}

func TestEmotionRetrieve(t *testing.T) {
	store := newFakeStore()
	store.getAllResults = []Node{
		nodeAt(KindEmotionalContext, 0, "e1", "Session mood was positive", time.Hour),
		nodeAt(KindEmotionalContext, 0, "e2", "Session mood was mixed", 2*time.Hour),
	}
	tracker := NewEmotionTracker(store, &fakeEmbedder{})

	got := tracker.Retrieve(context.Background(), []string{"u1"}, 3)
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %v", got)
	}
}

func TestScoreSentimentBounds(t *testing.T) {
	if s := scoreSentiment("love love great awesome happy wonderful"); s != 1 {
		t.Errorf("positive pile-up should clamp to 1, got %v", s)
	}
	if s := scoreSentiment("the sky is blue"); s != 0 {
		t.Errorf("neutral text scored %v", s)
	}
}
