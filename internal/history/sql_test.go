package history

import (
	"context"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureChannelIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a1, c1, err := s.EnsureChannel(ctx, "discord", "main", "chan-1", "general", "text")
	if err != nil {
		t.Fatalf("first EnsureChannel: %v", err)
	}
	a2, c2, err := s.EnsureChannel(ctx, "discord", "main", "chan-1", "general", "text")
	if err != nil {
		t.Fatalf("second EnsureChannel: %v", err)
	}
	if a1 != a2 || c1 != c2 {
		t.Fatalf("EnsureChannel not idempotent: (%s,%s) vs (%s,%s)", a1, c1, a2, c2)
	}

	// Same adapter, different channel.
	a3, c3, err := s.EnsureChannel(ctx, "discord", "main", "chan-2", "random", "text")
	if err != nil {
		t.Fatal(err)
	}
	if a3 != a1 {
		t.Errorf("expected shared adapter id, got %s vs %s", a3, a1)
	}
	if c3 == c1 {
		t.Errorf("expected distinct channel ids")
	}
}

func TestGetOrCreateConversationReusesActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, channelID, err := s.EnsureChannel(ctx, "cli", "local", "stdin", "", "dm")
	if err != nil {
		t.Fatal(err)
	}

	conv1, err := s.GetOrCreateConversation(ctx, channelID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	conv2, err := s.GetOrCreateConversation(ctx, channelID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv1 != conv2 {
		t.Errorf("expected reuse of active conversation, got %s vs %s", conv1, conv2)
	}

	// Different user gets a different conversation.
	conv3, err := s.GetOrCreateConversation(ctx, channelID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if conv3 == conv1 {
		t.Errorf("expected distinct conversation per user")
	}
}

func TestStoreExchangeOrdersAssistantAfterUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, channelID, _ := s.EnsureChannel(ctx, "cli", "local", "stdin", "", "dm")
	convID, _ := s.GetOrCreateConversation(ctx, channelID, "u1")

	// Identical timestamps: the store must still order the turn.
	ts := time.Now().UTC()
	if err := s.StoreExchange(ctx, convID, "u1", "hello", "hi there", ts, ts); err != nil {
		t.Fatalf("StoreExchange: %v", err)
	}

	msgs, err := s.LoadRecentMessages(ctx, convID, 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("wrong order: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Errorf("assistant timestamp %v not after user %v", msgs[1].CreatedAt, msgs[0].CreatedAt)
	}
}

func TestLoadRecentMessagesLimitsAndAscends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, channelID, _ := s.EnsureChannel(ctx, "cli", "local", "stdin", "", "dm")
	convID, _ := s.GetOrCreateConversation(ctx, channelID, "u1")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := s.StoreExchange(ctx, convID, "u1", "q", "a", ts, ts.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.LoadRecentMessages(ctx, convID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages not ascending at %d", i)
		}
	}
}

func TestGetRecentCrossContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, channelID, _ := s.EnsureChannel(ctx, "discord", "main", "chan-1", "general", "text")
	convID, _ := s.GetOrCreateConversation(ctx, channelID, "u1")

	ts := time.Now().UTC().Add(-10 * time.Minute)
	if err := s.StoreExchange(ctx, convID, "u1", "remember the milk", "noted", ts, ts.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	lines, err := s.GetRecentCrossContext(ctx, []string{"u1"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (user messages only), got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "[discord general, ") {
		t.Errorf("unexpected annotation: %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], "] remember the milk") {
		t.Errorf("unexpected content: %q", lines[0])
	}
}

func TestBackfillConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, channelID, _ := s.EnsureChannel(ctx, "discord", "main", "chan-1", "general", "text")

	started := time.Now().UTC().Add(-48 * time.Hour)
	backfillID, err := s.CreateBackfillConversation(ctx, channelID, "u1", started)
	if err != nil {
		t.Fatalf("CreateBackfillConversation: %v", err)
	}

	// Backfill conversations are archived, so a live turn gets a fresh one.
	liveID, err := s.GetOrCreateConversation(ctx, channelID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if liveID == backfillID {
		t.Errorf("live conversation reused the archived backfill")
	}

	if err := s.UpdateConversationActivity(ctx, backfillID, started.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateConversationActivity: %v", err)
	}
}

func TestRecordToolCallTruncatesResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	huge := strings.Repeat("x", maxAuditResultChars+500)
	if err := s.RecordToolCall(ctx, "u1", "web_search", `{"q":"go"}`, huge, true, 120*time.Millisecond); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	var stored string
	if err := s.DB().QueryRow(`SELECT result FROM tool_calls LIMIT 1`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != maxAuditResultChars {
		t.Errorf("stored result length = %d, want %d", len(stored), maxAuditResultChars)
	}
}

func TestAppendMemoryHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendMemoryHistory(ctx, "u1", "mem-1", "UPDATE", "new text", "old text"); err != nil {
		t.Fatalf("AppendMemoryHistory: %v", err)
	}

	var event, oldText string
	if err := s.DB().QueryRow(`SELECT event, old_text FROM memory_history LIMIT 1`).Scan(&event, &oldText); err != nil {
		t.Fatal(err)
	}
	if event != "UPDATE" || oldText != "old text" {
		t.Errorf("stored (%q, %q), want (UPDATE, old text)", event, oldText)
	}
}
