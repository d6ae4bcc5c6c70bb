package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BangRocket/mypalclara/internal/cache"
)

const (
	relevantSearchK    = 35
	promptRelevantCap  = 20
	promptRelationsCap = 20
	promptEmotionCap   = 3
)

// Context is everything the memory plane contributes to one turn's prompt.
type Context struct {
	KeyMemories      []Node
	RelevantMemories []Node
	GraphRelations   []string
	EmotionalContext []string
	RecurringTopics  []RecurringTopic
}

// Service is the memory plane facade the gateway talks to.
type Service struct {
	store      Store
	embedder   Embedder
	extractor  *Extractor
	reconciler *Reconciler
	Emotions   *EmotionTracker
	topics     *TopicTracker
	cache      *cache.Cache
}

func NewService(store Store, embedder Embedder, extractor *Extractor, reconciler *Reconciler, emotions *EmotionTracker, topics *TopicTracker, c *cache.Cache) *Service {
	return &Service{
		store:      store,
		embedder:   embedder,
		extractor:  extractor,
		reconciler: reconciler,
		Emotions:   emotions,
		topics:     topics,
		cache:      c,
	}
}

// FetchContext embeds the query once and runs the five retrievals
// concurrently. Any failed leg contributes an empty slice; the turn goes on.
func (s *Service) FetchContext(ctx context.Context, query string, userIDs []string) Context {
	var result Context
	if len(userIDs) == 0 {
		return result
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("context embed failed", "error", err)
		vec = nil
	}

	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		defer wg.Done()
		result.KeyMemories = s.store.GetAll(ctx, userIDs, map[string]string{"is_key": "true"}, promptRelevantCap)
	}()
	go func() {
		defer wg.Done()
		if vec != nil {
			result.RelevantMemories = s.searchCached(ctx, vec, query, userIDs, relevantSearchK)
		}
	}()
	go func() {
		defer wg.Done()
		result.GraphRelations = s.store.SearchEntities(ctx, query, userIDs, promptRelationsCap)
	}()
	go func() {
		defer wg.Done()
		result.EmotionalContext = s.Emotions.Retrieve(ctx, userIDs, promptEmotionCap)
	}()
	go func() {
		defer wg.Done()
		result.RecurringTopics = s.topics.GetRecurringTopics(ctx, userIDs)
	}()
	wg.Wait()

	sort.SliceStable(result.RelevantMemories, func(i, j int) bool {
		return result.RelevantMemories[i].Score > result.RelevantMemories[j].Score
	})

	s.reinforceRetrieved(ctx, result.RelevantMemories, userIDs)
	return result
}

// searchCached serves repeated queries from the per-user search cache.
func (s *Service) searchCached(ctx context.Context, vec []float32, query string, userIDs []string, k int) []Node {
	key := searchCacheKey(userIDs[0], query)
	if cached, ok := s.cache.Get(ctx, key); ok {
		var nodes []Node
		if err := json.Unmarshal([]byte(cached), &nodes); err == nil {
			return nodes
		}
	}

	nodes := s.store.Search(ctx, vec, userIDs, k)
	if data, err := json.Marshal(nodes); err == nil {
		s.cache.Set(ctx, key, string(data), searchCacheTTL)
	}
	return nodes
}

// reinforceRetrieved applies a light spaced-repetition review to the top
// retrieved memories and records access events.
func (s *Service) reinforceRetrieved(ctx context.Context, nodes []Node, userIDs []string) {
	if len(nodes) == 0 {
		return
	}
	top := nodes
	if len(top) > 10 {
		top = top[:10]
	}

	ids := make([]string, len(top))
	for i, n := range top {
		ids[i] = n.ID
	}

	now := time.Now()
	states := s.store.BatchGetFsrsStates(ctx, ids, userIDs)
	for _, n := range top {
		st := states[n.ID]
		if st == nil {
			continue
		}
		s.store.RecordAccessEvent(ctx, n.ID, n.UserID, "retrieval", Retrievability(*st, now))
		s.store.UpdateFsrsState(ctx, ReinforceOnAccess(*st, now))
	}
}

// BuildPromptSections renders the context as plain-text blocks in fixed
// order. Empty blocks are omitted.
func (s *Service) BuildPromptSections(c Context) []string {
	var sections []string

	if len(c.KeyMemories) > 0 {
		var b strings.Builder
		b.WriteString("KEY MEMORIES\n")
		for _, n := range c.KeyMemories {
			fmt.Fprintf(&b, "- %s\n", n.Text)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if len(c.RelevantMemories) > 0 {
		var b strings.Builder
		b.WriteString("RELEVANT MEMORIES\n")
		for i, n := range c.RelevantMemories {
			if i >= promptRelevantCap {
				break
			}
			fmt.Fprintf(&b, "- %s\n", n.Text)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if len(c.GraphRelations) > 0 {
		var b strings.Builder
		b.WriteString("KNOWN RELATIONSHIPS\n")
		for i, rel := range c.GraphRelations {
			if i >= promptRelationsCap {
				break
			}
			fmt.Fprintf(&b, "- %s\n", rel)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if len(c.EmotionalContext) > 0 {
		var b strings.Builder
		b.WriteString("RECENT EMOTIONAL CONTEXT\n")
		for i, line := range c.EmotionalContext {
			if i >= promptEmotionCap {
				break
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if len(c.RecurringTopics) > 0 {
		var b strings.Builder
		b.WriteString("RECURRING TOPICS\n")
		for _, t := range c.RecurringTopics {
			fmt.Fprintf(&b, "- %s (%d mentions, %s)\n", t.Topic, t.Mentions, t.Weight)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	return sections
}

// Add is the background write path for one finished exchange: extract facts,
// reconcile them into the store, then enrich the entity graph and the topic
// trail concurrently.
func (s *Service) Add(ctx context.Context, userMsg, assistantMsg, userID string) {
	facts := s.extractor.Extract(ctx, userMsg, assistantMsg)

	if len(facts) > 0 {
		s.reconciler.Reconcile(ctx, facts, userID, nil)
	}

	var wg sync.WaitGroup
	if len(facts) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.store.AddEntityData(ctx, strings.Join(facts, "\n"), userID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.topics.ExtractAndStore(ctx, userMsg, assistantMsg, userID)
	}()
	wg.Wait()
}

// SearchMemories backs the memory-search command.
func (s *Service) SearchMemories(ctx context.Context, query string, userIDs []string, k int) ([]Node, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	return s.store.Search(ctx, vec, userIDs, k), nil
}

// KeyMemories backs the memory-key command.
func (s *Service) KeyMemories(ctx context.Context, userIDs []string) []Node {
	return s.store.GetAll(ctx, userIDs, map[string]string{"is_key": "true"}, 50)
}

// Graph backs the memory-graph command.
func (s *Service) Graph(ctx context.Context, query string, userIDs []string) []string {
	return s.store.SearchEntities(ctx, query, userIDs, 50)
}

// Count backs the status command.
func (s *Service) Count(ctx context.Context, userIDs []string) int {
	return s.store.CountByUser(ctx, userIDs)
}
