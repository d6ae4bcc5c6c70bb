package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EmotionTracker keeps a lightweight sentiment aggregate per live session and
// persists a snapshot as an emotional_context memory node when the session
// ends.
type EmotionTracker struct {
	store    Store
	embedder Embedder

	mu       sync.Mutex
	sessions map[string]*emotionSession
}

type emotionSession struct {
	userID       string
	channelID    string
	scoreSum     float64
	messages     int
	negatives    int
	positives    int
	lastActivity time.Time
}

func NewEmotionTracker(store Store, embedder Embedder) *EmotionTracker {
	return &EmotionTracker{
		store:    store,
		embedder: embedder,
		sessions: make(map[string]*emotionSession),
	}
}

var positiveWords = []string{
	"love", "great", "awesome", "happy", "excited", "thanks", "thank you",
	"wonderful", "amazing", "glad", "fantastic", "good news", "relieved", "proud",
}

var negativeWords = []string{
	"hate", "awful", "terrible", "sad", "angry", "frustrated", "annoyed",
	"worried", "anxious", "stressed", "tired", "exhausted", "upset", "bad news", "scared",
}

// scoreSentiment returns a crude score in [-1, 1] from word hits.
func scoreSentiment(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 0.3
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 0.3
		}
	}
	return clamp(score, -1, 1)
}

// Observe feeds one inbound user message into the session aggregate.
func (t *EmotionTracker) Observe(userID, channelID, text string) {
	score := scoreSentiment(text)

	t.mu.Lock()
	defer t.mu.Unlock()

	key := userID + "|" + channelID
	s, ok := t.sessions[key]
	if !ok {
		s = &emotionSession{userID: userID, channelID: channelID}
		t.sessions[key] = s
	}
	s.scoreSum += score
	s.messages++
	if score > 0.05 {
		s.positives++
	} else if score < -0.05 {
		s.negatives++
	}
	s.lastActivity = time.Now()
}

// FinalizeSession writes the aggregate snapshot as an emotional_context node
// and drops the session.
func (t *EmotionTracker) FinalizeSession(ctx context.Context, userID, channelID string) {
	t.mu.Lock()
	s, ok := t.sessions[userID+"|"+channelID]
	if ok {
		delete(t.sessions, userID+"|"+channelID)
	}
	t.mu.Unlock()

	if !ok || s.messages == 0 {
		return
	}
	t.persist(ctx, s)
}

// SweepInactive finalizes every session idle for longer than maxIdle.
func (t *EmotionTracker) SweepInactive(ctx context.Context, maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	t.mu.Lock()
	var stale []*emotionSession
	for key, s := range t.sessions {
		if s.lastActivity.Before(cutoff) {
			stale = append(stale, s)
			delete(t.sessions, key)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		if s.messages > 0 {
			t.persist(ctx, s)
		}
	}
}

func (t *EmotionTracker) persist(ctx context.Context, s *emotionSession) {
	summary := summarizeEmotion(s)

	vec, err := t.embedder.Embed(ctx, summary)
	if err != nil {
		slog.Warn("emotion snapshot embed failed", "user", s.userID, "error", err)
		return
	}

	t.store.InsertMemory(ctx, uuid.NewString(), vec, summary, s.userID, map[string]any{
		"kind":       KindEmotionalContext,
		"channel_id": s.channelID,
		"messages":   s.messages,
	})
}

func summarizeEmotion(s *emotionSession) string {
	avg := s.scoreSum / float64(s.messages)
	mood := "neutral"
	switch {
	case avg > 0.15:
		mood = "positive"
	case avg < -0.15:
		mood = "negative"
	case s.positives > 0 && s.negatives > 0:
		mood = "mixed"
	}
	return fmt.Sprintf("Session mood was %s over %d messages (%d upbeat, %d downbeat).",
		mood, s.messages, s.positives, s.negatives)
}

// Retrieve returns the most recent emotional snapshots across the linked
// users, newest first, capped at limit (default 3).
func (t *EmotionTracker) Retrieve(ctx context.Context, userIDs []string, limit int) []string {
	if limit <= 0 {
		limit = 3
	}
	nodes := t.store.GetAll(ctx, userIDs, map[string]string{"kind": KindEmotionalContext}, limit)
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Text)
	}
	return out
}
