// Package gateway is the conversational core: it serialises turns per
// channel, assembles the LLM input from personality, memory context and
// cached history, drives the orchestrator and routes the reply back to the
// adapter that delivered the message.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/config"
	"github.com/BangRocket/mypalclara/internal/history"
	"github.com/BangRocket/mypalclara/internal/memory"
	"github.com/BangRocket/mypalclara/internal/providers"
	"github.com/BangRocket/mypalclara/internal/tools"
	"github.com/BangRocket/mypalclara/pkg/protocol"
)

const (
	defaultMaxSendLen      = 2000
	defaultMaxHistory      = 50
	defaultHistoryBudget   = 200000
	defaultAttachmentChars = 16000

	apologyReply = "Sorry, something went wrong on my end. Please try again in a moment."
	stopAckReply = "Okay, I'll stay quiet here until you mention me again."
)

// Generator drives one LLM turn. Implemented by the orchestrator.
type Generator interface {
	GenerateWithTools(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, tier, userID string, emit func(protocol.StreamEvent)) error
}

// IdentityResolver maps platform-prefixed user ids to the canonical set.
type IdentityResolver interface {
	EnsureLink(ctx context.Context, prefixedID, displayName, linkTo string) (string, error)
	ResolveAll(ctx context.Context, prefixedID string) []string
}

// session is the in-process state for one channel. The mutex serialises
// turns; activeUntil is touched before the lock is taken and lives in an
// atomic instead.
type session struct {
	mu          sync.Mutex
	history     []providers.Message
	convID      string
	activeUntil atomic.Int64 // unix nanos, 0 = inactive
}

func (s *session) markActive(until time.Time) { s.activeUntil.Store(until.UnixNano()) }
func (s *session) clearActive()               { s.activeUntil.Store(0) }
func (s *session) isActive(now time.Time) bool {
	return now.UnixNano() < s.activeUntil.Load()
}

// Gateway consumes inbound messages from the bus and answers them.
type Gateway struct {
	cfg      *config.Live
	router   bus.MessageRouter
	gen      Generator
	tools    *tools.Registry
	policy   *tools.Policy
	resolver IdentityResolver
	store    history.Store
	memory   *memory.Service // nil when the memory plane is disabled

	started time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	bg sync.WaitGroup
}

func New(cfg *config.Live, router bus.MessageRouter, gen Generator, registry *tools.Registry, policy *tools.Policy, resolver IdentityResolver, store history.Store, mem *memory.Service) *Gateway {
	return &Gateway{
		cfg:      cfg,
		router:   router,
		gen:      gen,
		tools:    registry,
		policy:   policy,
		resolver: resolver,
		store:    store,
		memory:   mem,
		started:  time.Now(),
		sessions: make(map[string]*session),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run consumes the inbound queue until ctx is cancelled, then waits for
// in-flight background writes.
func (g *Gateway) Run(ctx context.Context) {
	for {
		msg, ok := g.router.ConsumeInbound(ctx)
		if !ok {
			g.bg.Wait()
			return
		}
		go g.Handle(ctx, msg)
	}
}

// Wait blocks until all spawned background writes have finished.
func (g *Gateway) Wait() { g.bg.Wait() }

// Handle processes one inbound message. Turns on the same channel are
// strictly serialised by the session lock; a panic anywhere in the turn is
// caught and answered with a generic apology.
func (g *Gateway) Handle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", "adapter", msg.Adapter, "channel", msg.ChannelID, "panic", r)
			g.send(msg, apologyReply)
		}
	}()

	if msg.FromSelf {
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" && len(msg.Attachments) == 0 {
		return
	}

	cfg := g.cfg.Snapshot()
	sess := g.session(msg.Adapter, msg.ChannelID)
	now := time.Now()

	isDM := msg.ChannelKind == bus.KindDM
	if msg.Mentioned {
		sess.markActive(now.Add(cfg.Gateway.ActiveTimeout()))
	}
	if !isDM && !msg.Mentioned && !sess.isActive(now) {
		return
	}

	if phrase := matchStopPhrase(content, cfg.Gateway.StopPhrases); phrase != "" {
		sess.clearActive()
		slog.Info("stop phrase matched", "adapter", msg.Adapter, "channel", msg.ChannelID, "phrase", phrase)
		g.send(msg, stopAckReply)
		return
	}

	tier := msg.Tier
	if stripped, t := stripTierPrefix(content); t != "" {
		content, tier = stripped, t
	}

	if !g.allowSender(msg.Adapter+"-"+msg.UserID, cfg.Gateway.RateLimitRPM) {
		slog.Debug("sender rate limited", "adapter", msg.Adapter, "user", msg.UserID)
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	g.respond(ctx, cfg, sess, msg, content, tier)
}

var tracer = otel.Tracer("gateway")

// respond runs the turn pipeline while holding the channel lock.
func (g *Gateway) respond(ctx context.Context, cfg config.Config, sess *session, msg bus.InboundMessage, content, tier string) {
	var span trace.Span
	ctx, span = tracer.Start(ctx, "gateway.turn", trace.WithAttributes(
		attribute.String("adapter", msg.Adapter),
		attribute.String("channel.kind", msg.ChannelKind),
	))
	defer span.End()

	content = inlineAttachments(content, msg.Attachments, attachmentCap(cfg.Gateway))

	prefixed := msg.Adapter + "-" + msg.UserID
	if _, err := g.resolver.EnsureLink(ctx, prefixed, msg.DisplayName, ""); err != nil {
		slog.Warn("identity link failed", "user", prefixed, "error", err)
	}
	userIDs := g.resolver.ResolveAll(ctx, prefixed)

	if sess.convID == "" {
		_, channelID, err := g.store.EnsureChannel(ctx, msg.Adapter, msg.AdapterName, msg.ChannelID, msg.ChannelName, msg.ChannelKind)
		if err != nil {
			slog.Warn("channel upsert failed", "channel", msg.ChannelID, "error", err)
		} else if convID, err := g.store.GetOrCreateConversation(ctx, channelID, prefixed); err != nil {
			slog.Warn("conversation lookup failed", "channel", channelID, "error", err)
		} else {
			sess.convID = convID
		}
	}

	// Memory context and history load run concurrently.
	var memCtx memory.Context
	var wg sync.WaitGroup
	if g.memory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			memCtx = g.memory.FetchContext(ctx, content, userIDs)
		}()
	}
	if len(sess.history) == 0 && sess.convID != "" {
		stored, err := g.store.LoadRecentMessages(ctx, sess.convID, maxHistory(cfg.Gateway))
		if err != nil {
			slog.Warn("history load failed", "conversation", sess.convID, "error", err)
		}
		for _, m := range stored {
			sess.history = append(sess.history, providers.Message{Role: m.Role, Content: m.Content})
		}
	}
	wg.Wait()

	input := make([]providers.Message, 0, len(sess.history)+8)
	if p := strings.TrimSpace(cfg.Personality.SystemPrompt); p != "" {
		input = append(input, providers.Message{Role: "system", Content: p})
	}
	if g.memory != nil {
		for _, section := range g.memory.BuildPromptSections(memCtx) {
			input = append(input, providers.Message{Role: "system", Content: section})
		}
		g.memory.Emotions.Observe(prefixed, msg.ChannelID, content)
	}
	input = append(input, sess.history...)
	input = append(input, providers.Message{Role: "user", Content: content})

	toolCtx := tools.WithToolUserIDs(ctx, userIDs)
	toolCtx = tools.WithToolChannelID(toolCtx, msg.ChannelID)

	var reply strings.Builder
	err := g.gen.GenerateWithTools(toolCtx, input, g.tools.Definitions(g.policy), tier, prefixed, func(ev protocol.StreamEvent) {
		switch ev.Type {
		case protocol.EventTextChunk:
			reply.WriteString(ev.Text)
		case protocol.EventToolStart:
			slog.Debug("tool started", "tool", ev.Name, "step", ev.Step)
		case protocol.EventToolResult:
			slog.Debug("tool finished", "tool", ev.Name, "success", ev.Success)
		case protocol.EventError:
			slog.Warn("stream error", "channel", msg.ChannelID, "message", ev.Message)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.SetStatus(codes.Error, err.Error())
		slog.Error("turn failed", "adapter", msg.Adapter, "channel", msg.ChannelID, "error", err)
		g.send(msg, apologyReply)
		return
	}

	final := strings.TrimSpace(reply.String())
	if final == "" {
		return
	}
	g.send(msg, final)

	sess.history = append(sess.history,
		providers.Message{Role: "user", Content: content},
		providers.Message{Role: "assistant", Content: final},
	)
	trimHistory(sess, cfg.Gateway)

	// Persistence and memory writes happen after the reply is out and are
	// never awaited; losing at most the last turn is acceptable.
	userTs := time.Now()
	convID := sess.convID
	if convID != "" {
		g.bg.Add(1)
		go func() {
			defer g.bg.Done()
			if err := g.store.StoreExchange(ctx, convID, prefixed, content, final, userTs, userTs.Add(time.Millisecond)); err != nil {
				slog.Warn("exchange persist failed", "conversation", convID, "error", err)
			}
		}()
	}
	if g.memory != nil {
		g.bg.Add(1)
		go func() {
			defer g.bg.Done()
			g.memory.Add(ctx, content, final, prefixed)
		}()
	}
}

// send splits text for the adapter's outbound cap and publishes the chunks.
func (g *Gateway) send(msg bus.InboundMessage, text string) {
	maxLen := msg.MaxSendLen
	if maxLen <= 0 {
		maxLen = defaultMaxSendLen
	}
	for _, chunk := range SplitMessage(text, maxLen) {
		g.router.PublishOutbound(bus.OutboundMessage{
			Adapter:   msg.Adapter,
			ChannelID: msg.ChannelID,
			Content:   chunk,
		})
	}
}

func (g *Gateway) session(adapter, channelID string) *session {
	key := adapter + ":" + channelID
	g.mu.RLock()
	s, ok := g.sessions[key]
	g.mu.RUnlock()
	if ok {
		return s
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.sessions[key]; ok {
		return s
	}
	s = &session{}
	g.sessions[key] = s
	return s
}

func (g *Gateway) allowSender(key string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	g.limMu.Lock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
		g.limiters[key] = lim
	}
	g.limMu.Unlock()
	return lim.Allow()
}

// matchStopPhrase returns the first configured phrase found in content,
// matched as a case-insensitive substring.
func matchStopPhrase(content string, phrases []string) string {
	if len(phrases) == 0 {
		return ""
	}
	lower := strings.ToLower(content)
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

var tierPrefixes = []struct {
	prefix string
	tier   string
}{
	{"!high", providers.TierHigh},
	{"!opus", providers.TierHigh},
	{"!mid", providers.TierMid},
	{"!sonnet", providers.TierMid},
	{"!low", providers.TierLow},
	{"!haiku", providers.TierLow},
	{"!fast", providers.TierLow},
}

// stripTierPrefix recognises a leading tier override like "!opus" and
// returns the remaining text and the tier it maps to.
func stripTierPrefix(content string) (string, string) {
	lower := strings.ToLower(content)
	for _, p := range tierPrefixes {
		if !strings.HasPrefix(lower, p.prefix) {
			continue
		}
		rest := content[len(p.prefix):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' {
			return strings.TrimSpace(rest), p.tier
		}
	}
	return content, ""
}

// inlineAttachments appends attachment content to the user text: small text
// files verbatim under the cap, everything else as a placeholder the model
// can acknowledge.
func inlineAttachments(content string, atts []bus.Attachment, maxChars int) string {
	if len(atts) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, a := range atts {
		if a.TextContent != "" {
			txt := a.TextContent
			if maxChars > 0 && len(txt) > maxChars {
				txt = txt[:maxChars] + "\n[attachment truncated]"
			}
			fmt.Fprintf(&b, "\n\n--- attachment: %s ---\n%s", a.Name, txt)
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s attachment: %s]", attachmentKind(a.ContentType), a.Name)
	}
	return b.String()
}

func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case contentType == "application/pdf":
		return "PDF"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// trimHistory drops the oldest cached messages until both the hard message
// cap and the soft character budget hold, never leaving fewer than two.
func trimHistory(sess *session, gc config.GatewayConfig) {
	hard := 2 * maxHistory(gc)
	budget := gc.HistoryCharBudget
	if budget <= 0 {
		budget = defaultHistoryBudget
	}
	chars := 0
	for _, m := range sess.history {
		chars += len(m.Content)
	}
	for len(sess.history) > 2 && (len(sess.history) > hard || chars > budget) {
		chars -= len(sess.history[0].Content)
		sess.history = sess.history[1:]
	}
}

func maxHistory(gc config.GatewayConfig) int {
	if gc.MaxHistoryMessages > 0 {
		return gc.MaxHistoryMessages
	}
	return defaultMaxHistory
}

func attachmentCap(gc config.GatewayConfig) int {
	if gc.MaxAttachmentChars > 0 {
		return gc.MaxAttachmentChars
	}
	return defaultAttachmentChars
}
