package memory

import (
	"context"
	"sync"
	"time"
)

// fakeStore records mutations and serves canned search results.
type fakeStore struct {
	mu sync.Mutex

	searchResults map[string][]Node // keyed by first userID
	getAllResults []Node

	inserted      []Node
	updated       []string
	deleted       []string
	supersessions [][2]string
	accessEvents  []string
	fsrsStates    map[string]*FsrsState
	fsrsUpdated   []FsrsState
	entityTexts   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		searchResults: make(map[string][]Node),
		fsrsStates:    make(map[string]*FsrsState),
	}
}

func (f *fakeStore) InsertMemory(_ context.Context, id string, _ []float32, text, userID string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := KindFact
	if k, ok := metadata["kind"].(string); ok && k != "" {
		kind = k
	}
	category := ""
	if c, ok := metadata["category"].(string); ok {
		category = c
	}
	f.inserted = append(f.inserted, Node{ID: id, Text: text, UserID: userID, Kind: kind, Category: category, Metadata: metadata})
}

func (f *fakeStore) Search(_ context.Context, _ []float32, userIDs []string, _ int) []Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(userIDs) == 0 {
		return nil
	}
	return f.searchResults[userIDs[0]]
}

func (f *fakeStore) GetAll(_ context.Context, _ []string, _ map[string]string, _ int) []Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getAllResults
}

func (f *fakeStore) UpdateMemory(_ context.Context, id string, _ []float32, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, id)
}

func (f *fakeStore) DeleteMemory(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func (f *fakeStore) GetFsrsState(_ context.Context, id string, _ []string) *FsrsState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fsrsStates[id]
}

func (f *fakeStore) BatchGetFsrsStates(_ context.Context, ids, _ []string) map[string]*FsrsState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*FsrsState)
	for _, id := range ids {
		if st := f.fsrsStates[id]; st != nil {
			out[id] = st
		}
	}
	return out
}

func (f *fakeStore) UpdateFsrsState(_ context.Context, state FsrsState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fsrsUpdated = append(f.fsrsUpdated, state)
}

func (f *fakeStore) RecordAccessEvent(_ context.Context, memoryID, _, _ string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessEvents = append(f.accessEvents, memoryID)
}

func (f *fakeStore) RecordSupersession(_ context.Context, oldID, newID, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supersessions = append(f.supersessions, [2]string{oldID, newID})
}

func (f *fakeStore) SearchEntities(_ context.Context, _ string, _ []string, _ int) []string {
	return nil
}

func (f *fakeStore) AddEntityData(_ context.Context, text, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityTexts = append(f.entityTexts, text)
}

func (f *fakeStore) CountByUser(_ context.Context, _ []string) int { return len(f.inserted) }

// fakeEmbedder returns a fixed-size vector derived from text length.
type fakeEmbedder struct {
	calls      int
	batchCalls int
	mu         sync.Mutex
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

// fakeLLM returns canned responses in order, then repeats the last.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

// fakeHistory records memory history appends.
type fakeHistory struct {
	mu      sync.Mutex
	entries []string // "EVENT:text"
}

func (f *fakeHistory) AppendMemoryHistory(_ context.Context, _, _, event, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, event+":"+text)
	return nil
}

func nodeAt(kind string, score float64, id, text string, age time.Duration) Node {
	return Node{
		ID:        id,
		Text:      text,
		UserID:    "u1",
		Kind:      kind,
		Score:     score,
		CreatedAt: time.Now().Add(-age),
		Metadata:  map[string]any{},
	}
}
