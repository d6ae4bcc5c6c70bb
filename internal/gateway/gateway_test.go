package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/config"
	"github.com/BangRocket/mypalclara/internal/history"
	"github.com/BangRocket/mypalclara/internal/providers"
	"github.com/BangRocket/mypalclara/internal/tools"
	"github.com/BangRocket/mypalclara/pkg/protocol"
)

type fakeRouter struct {
	mu       sync.Mutex
	outbound []bus.OutboundMessage
}

func (r *fakeRouter) PublishInbound(bus.InboundMessage) {}
func (r *fakeRouter) ConsumeInbound(context.Context) (bus.InboundMessage, bool) {
	return bus.InboundMessage{}, false
}
func (r *fakeRouter) PublishOutbound(msg bus.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = append(r.outbound, msg)
}
func (r *fakeRouter) ConsumeOutbound(context.Context) (bus.OutboundMessage, bool) {
	return bus.OutboundMessage{}, false
}

func (r *fakeRouter) sent() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.OutboundMessage(nil), r.outbound...)
}

type fakeResolver struct{}

func (fakeResolver) EnsureLink(_ context.Context, prefixedID, _, _ string) (string, error) {
	return prefixedID, nil
}
func (fakeResolver) ResolveAll(_ context.Context, prefixedID string) []string {
	return []string{prefixedID}
}

type genCall struct {
	messages []providers.Message
	tier     string
}

type fakeGen struct {
	mu       sync.Mutex
	calls    []genCall
	reply    string
	err      error
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (g *fakeGen) GenerateWithTools(ctx context.Context, messages []providers.Message, _ []providers.ToolDefinition, tier, _ string, emit func(protocol.StreamEvent)) error {
	if g.inFlight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.inFlight.Add(-1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.calls = append(g.calls, genCall{messages: messages, tier: tier})
	g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	emit(protocol.TextChunk(g.reply))
	emit(protocol.Complete(g.reply, 0))
	return nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGen) lastCall() genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type storedExchange struct {
	conversationID string
	userMsg        string
	assistantMsg   string
}

type fakeHistoryStore struct {
	mu        sync.Mutex
	recent    []history.Message
	exchanges []storedExchange
	cross     []string
}

func (s *fakeHistoryStore) EnsureChannel(_ context.Context, adapterType, _, externalID, _, _ string) (string, string, error) {
	return "ad-" + adapterType, "ch-" + externalID, nil
}
func (s *fakeHistoryStore) GetOrCreateConversation(_ context.Context, channelID, _ string) (string, error) {
	return "conv-" + channelID, nil
}
func (s *fakeHistoryStore) StoreExchange(_ context.Context, conversationID, _, userMsg, assistantMsg string, _, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, storedExchange{conversationID, userMsg, assistantMsg})
	return nil
}
func (s *fakeHistoryStore) LoadRecentMessages(context.Context, string, int) ([]history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Message(nil), s.recent...), nil
}
func (s *fakeHistoryStore) GetUserConversations(context.Context, []string, int) ([]history.Conversation, error) {
	return nil, nil
}
func (s *fakeHistoryStore) GetRecentCrossContext(context.Context, []string, int) ([]string, error) {
	return s.cross, nil
}
func (s *fakeHistoryStore) CreateBackfillConversation(context.Context, string, string, time.Time) (string, error) {
	return "", nil
}
func (s *fakeHistoryStore) UpdateConversationActivity(context.Context, string, time.Time) error {
	return nil
}
func (s *fakeHistoryStore) AppendMemoryHistory(context.Context, string, string, string, string, string) error {
	return nil
}
func (s *fakeHistoryStore) RecordToolCall(context.Context, string, string, string, string, bool, time.Duration) error {
	return nil
}
func (s *fakeHistoryStore) Close() error { return nil }

func (s *fakeHistoryStore) storedExchanges() []storedExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedExchange(nil), s.exchanges...)
}

func newTestGateway(cfg *config.Config, gen Generator, store history.Store) (*Gateway, *fakeRouter) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	router := &fakeRouter{}
	g := New(config.NewLive(cfg), router, gen, tools.NewRegistry(), tools.NewPolicy("allow", nil, nil, nil), fakeResolver{}, store, nil)
	return g, router
}

func dm(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Adapter:     "discord",
		ChannelID:   "c1",
		ChannelKind: bus.KindDM,
		UserID:      "100",
		DisplayName: "alice",
		Content:     content,
	}
}

func TestHandleIgnoresOwnMessages(t *testing.T) {
	gen := &fakeGen{reply: "hi"}
	g, router := newTestGateway(nil, gen, &fakeHistoryStore{})

	msg := dm("hello")
	msg.FromSelf = true
	g.Handle(context.Background(), msg)

	if gen.callCount() != 0 || len(router.sent()) != 0 {
		t.Error("message from the bot itself should be dropped")
	}
}

func TestStopPhraseAcknowledgesAndDeactivates(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{StopPhrases: []string{"be quiet"}}}
	gen := &fakeGen{reply: "hi"}
	g, router := newTestGateway(cfg, gen, &fakeHistoryStore{})

	sess := g.session("discord", "c1")
	sess.markActive(time.Now().Add(time.Hour))

	g.Handle(context.Background(), dm("please BE QUIET now"))

	if gen.callCount() != 0 {
		t.Error("stop phrase should short-circuit the turn")
	}
	sent := router.sent()
	if len(sent) != 1 || sent[0].Content != stopAckReply {
		t.Errorf("expected stop acknowledgement, got %+v", sent)
	}
	if sess.isActive(time.Now()) {
		t.Error("stop phrase should clear the active flag")
	}
}

func TestGroupRespondsOnlyWhenMentionedOrActive(t *testing.T) {
	gen := &fakeGen{reply: "hi"}
	g, router := newTestGateway(nil, gen, &fakeHistoryStore{})

	group := bus.InboundMessage{
		Adapter:     "discord",
		ChannelID:   "g1",
		ChannelKind: bus.KindText,
		UserID:      "100",
		Content:     "anyone around?",
	}
	g.Handle(context.Background(), group)
	if gen.callCount() != 0 {
		t.Fatal("unmentioned group message should be ignored")
	}

	group.Mentioned = true
	group.Content = "clara, you there?"
	g.Handle(context.Background(), group)
	if gen.callCount() != 1 {
		t.Fatal("mention should trigger a reply")
	}

	group.Mentioned = false
	group.Content = "and a follow-up"
	g.Handle(context.Background(), group)
	if gen.callCount() != 2 {
		t.Error("channel should stay active inside the mention window")
	}
	if len(router.sent()) != 2 {
		t.Errorf("expected 2 replies, got %d", len(router.sent()))
	}
}

func TestStripTierPrefix(t *testing.T) {
	tests := []struct {
		in       string
		wantText string
		wantTier string
	}{
		{"!high summarise this", "summarise this", providers.TierHigh},
		{"!opus summarise this", "summarise this", providers.TierHigh},
		{"!mid hello", "hello", providers.TierMid},
		{"!sonnet hello", "hello", providers.TierMid},
		{"!low quick one", "quick one", providers.TierLow},
		{"!haiku quick one", "quick one", providers.TierLow},
		{"!fast quick one", "quick one", providers.TierLow},
		{"!OPUS case insensitive", "case insensitive", providers.TierHigh},
		{"!highlander is not a prefix", "!highlander is not a prefix", ""},
		{"no prefix here", "no prefix here", ""},
	}
	for _, tt := range tests {
		gotText, gotTier := stripTierPrefix(tt.in)
		if gotText != tt.wantText || gotTier != tt.wantTier {
			t.Errorf("stripTierPrefix(%q) = (%q, %q), want (%q, %q)", tt.in, gotText, gotTier, tt.wantText, tt.wantTier)
		}
	}
}

func TestTierPrefixReachesGenerator(t *testing.T) {
	gen := &fakeGen{reply: "done"}
	g, _ := newTestGateway(nil, gen, &fakeHistoryStore{})

	g.Handle(context.Background(), dm("!opus write a poem"))

	call := gen.lastCall()
	if call.tier != providers.TierHigh {
		t.Errorf("tier = %q, want %q", call.tier, providers.TierHigh)
	}
	last := call.messages[len(call.messages)-1]
	if last.Role != "user" || last.Content != "write a poem" {
		t.Errorf("prefix not stripped from user turn: %+v", last)
	}
}

func TestTurnsOnSameChannelAreSerialised(t *testing.T) {
	gen := &fakeGen{reply: "ok", delay: 5 * time.Millisecond}
	g, router := newTestGateway(nil, gen, &fakeHistoryStore{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Handle(context.Background(), dm("ping"))
		}()
	}
	wg.Wait()
	g.Wait()

	if gen.overlap.Load() {
		t.Error("two turns on the same channel overlapped")
	}
	if len(router.sent()) != 8 {
		t.Errorf("expected 8 replies, got %d", len(router.sent()))
	}
}

func TestGeneratorFailureApologises(t *testing.T) {
	gen := &fakeGen{err: errors.New("provider down")}
	g, router := newTestGateway(nil, gen, &fakeHistoryStore{})

	g.Handle(context.Background(), dm("hello"))

	sent := router.sent()
	if len(sent) != 1 || sent[0].Content != apologyReply {
		t.Errorf("expected apology, got %+v", sent)
	}
}

func TestHistoryTrimKeepsFloor(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{MaxHistoryMessages: 1}}
	gen := &fakeGen{reply: "ok"}
	g, _ := newTestGateway(cfg, gen, &fakeHistoryStore{})

	for i := 0; i < 3; i++ {
		g.Handle(context.Background(), dm("message"))
	}
	g.Wait()

	sess := g.session("discord", "c1")
	if len(sess.history) != 2 {
		t.Errorf("history length = %d, want hard cap 2", len(sess.history))
	}
}

func TestHistoryCharBudgetNeverBelowTwo(t *testing.T) {
	sess := &session{history: []providers.Message{
		{Role: "user", Content: strings.Repeat("x", 500)},
		{Role: "assistant", Content: strings.Repeat("y", 500)},
	}}
	trimHistory(sess, config.GatewayConfig{MaxHistoryMessages: 10, HistoryCharBudget: 10})
	if len(sess.history) != 2 {
		t.Errorf("trim must leave at least two messages, got %d", len(sess.history))
	}
}

func TestExchangePersistedInBackground(t *testing.T) {
	store := &fakeHistoryStore{}
	gen := &fakeGen{reply: "noted"}
	g, _ := newTestGateway(nil, gen, store)

	g.Handle(context.Background(), dm("remember the milk"))
	g.Wait()

	got := store.storedExchanges()
	if len(got) != 1 {
		t.Fatalf("expected 1 stored exchange, got %d", len(got))
	}
	if got[0].userMsg != "remember the milk" || got[0].assistantMsg != "noted" {
		t.Errorf("unexpected exchange: %+v", got[0])
	}
}

func TestStoredHistoryPrimesSession(t *testing.T) {
	store := &fakeHistoryStore{recent: []history.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}}
	gen := &fakeGen{reply: "hi again"}
	g, _ := newTestGateway(nil, gen, store)

	g.Handle(context.Background(), dm("hello again"))

	msgs := gen.lastCall().messages
	var found bool
	for _, m := range msgs {
		if m.Role == "assistant" && m.Content == "earlier answer" {
			found = true
		}
	}
	if !found {
		t.Error("persisted history should be loaded into the prompt on a cold session")
	}
}

func TestPersonalityIsFirstSystemMessage(t *testing.T) {
	cfg := &config.Config{Personality: config.PersonalityConfig{SystemPrompt: "You are Clara."}}
	gen := &fakeGen{reply: "hello"}
	g, _ := newTestGateway(cfg, gen, &fakeHistoryStore{})

	g.Handle(context.Background(), dm("hi"))

	msgs := gen.lastCall().messages
	if msgs[0].Role != "system" || msgs[0].Content != "You are Clara." {
		t.Errorf("personality should lead the prompt, got %+v", msgs[0])
	}
}

func TestSenderRateLimit(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{RateLimitRPM: 1}}
	gen := &fakeGen{reply: "ok"}
	g, router := newTestGateway(cfg, gen, &fakeHistoryStore{})

	g.Handle(context.Background(), dm("first"))
	g.Handle(context.Background(), dm("second"))
	g.Wait()

	if len(router.sent()) != 1 {
		t.Errorf("second message inside the window should be dropped, got %d replies", len(router.sent()))
	}
}

func TestCommandUnknown(t *testing.T) {
	g, _ := newTestGateway(nil, &fakeGen{}, &fakeHistoryStore{})
	resp := g.Command(context.Background(), protocol.CommandRequest{Command: "bogus", UserID: "cli-alice"})
	if resp.Success || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCommandMemoryDisabled(t *testing.T) {
	g, _ := newTestGateway(nil, &fakeGen{}, &fakeHistoryStore{})
	resp := g.Command(context.Background(), protocol.CommandRequest{Command: protocol.CommandMemorySearch, UserID: "cli-alice"})
	if resp.Success || resp.Error != "memory is disabled" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCommandHistory(t *testing.T) {
	store := &fakeHistoryStore{cross: []string{"[discord general, 5 min ago] hello"}}
	g, _ := newTestGateway(nil, &fakeGen{}, store)

	resp := g.Command(context.Background(), protocol.CommandRequest{Command: protocol.CommandHistory, UserID: "cli-alice"})
	if !resp.Success {
		t.Fatalf("history command failed: %s", resp.Error)
	}
	if !strings.Contains(string(resp.Data), "discord general") {
		t.Errorf("unexpected payload: %s", resp.Data)
	}
}

func TestCommandStatus(t *testing.T) {
	g, _ := newTestGateway(nil, &fakeGen{}, &fakeHistoryStore{})
	resp := g.Command(context.Background(), protocol.CommandRequest{Command: protocol.CommandStatus, UserID: "cli-alice"})
	if !resp.Success {
		t.Fatalf("status command failed: %s", resp.Error)
	}
	if !strings.Contains(string(resp.Data), `"status":"ok"`) {
		t.Errorf("unexpected payload: %s", resp.Data)
	}
}
