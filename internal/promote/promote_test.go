package promote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/embeddings"
	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// fakeSessions holds one working memory in process.
type fakeSessions struct {
	wm      types.WorkingMemory
	missing bool
}

func (f *fakeSessions) Get(_ context.Context, key types.SessionKey, _ int) (types.WorkingMemory, error) {
	if f.missing {
		return types.WorkingMemory{}, types.ErrNotFound
	}
	return f.wm, nil
}

func (f *fakeSessions) Update(_ context.Context, key types.SessionKey, fn func(*types.WorkingMemory) error) error {
	if f.missing {
		return types.ErrNotFound
	}
	return fn(&f.wm)
}

// memStore is an in-process vector.Store for pipeline tests.
type memStore struct {
	records map[string]types.MemoryRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]types.MemoryRecord)}
}

func (m *memStore) Upsert(_ context.Context, rec types.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) Query(_ context.Context, vec []float32, filter vector.Filter, topK int) ([]vector.Match, error) {
	var matches []vector.Match
	for _, rec := range m.records {
		if !filter.Match(rec) {
			continue
		}
		matches = append(matches, vector.Match{Record: rec, Score: vector.CosineSimilarity(vec, rec.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *memStore) Delete(_ context.Context, ids ...string) error {
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *memStore) Scan(_ context.Context, filter vector.Filter) ([]types.MemoryRecord, error) {
	var out []types.MemoryRecord
	for _, rec := range m.records {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Count(_ context.Context, filter vector.Filter) (int64, error) {
	recs, _ := m.Scan(context.Background(), filter)
	return int64(len(recs)), nil
}

func (m *memStore) Close() error { return nil }

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func promotePayload(t *testing.T, key types.SessionKey, ids ...string) []byte {
	t.Helper()
	b, err := json.Marshal(types.PromotePayload{SessionKey: key, MemoryIDs: ids})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestHandlePromoteStoresRecord(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "prefers tea over coffee", MemoryType: types.MemoryTypeSemantic, State: types.StatePending},
		},
	}}
	store := newMemStore()
	h := NewHandler(sessions, store, embeddings.NewHashProvider(32), nil, Options{}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("handle promote: %v", err)
	}

	stored, ok := store.records["m1"]
	if !ok {
		t.Fatal("record not stored")
	}
	if stored.State != types.StatePromoted {
		t.Fatalf("state = %s, want promoted", stored.State)
	}
	if stored.Namespace != "ns" || stored.UserID != "u1" || stored.SessionID != "s1" {
		t.Fatalf("scope not inherited: %+v", stored)
	}
	if len(stored.Embedding) != 32 {
		t.Fatalf("embedding dims = %d, want 32", len(stored.Embedding))
	}
	if sessions.wm.Memories[0].State != types.StatePromoted {
		t.Fatal("working-memory copy not marked promoted")
	}
}

func TestHandlePromoteRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "prefers tea", MemoryType: types.MemoryTypeSemantic, State: types.StatePending},
		},
	}}
	store := newMemStore()
	h := NewHandler(sessions, store, embeddings.NewHashProvider(32), nil, Options{}, testLogger())

	payload := promotePayload(t, key, "m1")
	if err := h.HandlePromote(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.HandlePromote(context.Background(), payload); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("got %d records after redelivery, want 1", len(store.records))
	}
}

func TestHandlePromoteDedupMerges(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	provider := embeddings.NewHashProvider(32)

	// Seed an existing record with the exact same text: the hash provider
	// makes its embedding identical, so similarity is 1.0.
	existingVec, _ := provider.Embed(context.Background(), "prefers tea")
	earlier := time.Now().UTC().Add(-48 * time.Hour)
	existing := types.MemoryRecord{
		ID:           "old1",
		Text:         "prefers tea",
		MemoryType:   types.MemoryTypeSemantic,
		Topics:       []string{"drinks"},
		Namespace:    "ns",
		UserID:       "u1",
		SessionID:    "s0",
		CreatedAt:    earlier,
		LastAccessed: earlier,
		Embedding:    existingVec,
		State:        types.StatePromoted,
	}
	store := newMemStore()
	if err := store.Upsert(context.Background(), existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "prefers tea", MemoryType: types.MemoryTypeSemantic,
				Topics: []string{"preferences"}, State: types.StatePending},
		},
	}}
	h := NewHandler(sessions, store, provider, nil, Options{DedupThreshold: 0.92}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("handle promote: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("got %d records, want merged single record", len(store.records))
	}
	merged := store.records["old1"]
	if !merged.CreatedAt.Equal(earlier) {
		t.Fatalf("created_at = %v, want earlier timestamp kept", merged.CreatedAt)
	}
	wantTopics := map[string]bool{"drinks": true, "preferences": true}
	for _, topic := range merged.Topics {
		delete(wantTopics, topic)
	}
	if len(wantTopics) != 0 {
		t.Fatalf("topics not unioned: %v", merged.Topics)
	}
	if time.Since(merged.LastAccessed) > time.Minute {
		t.Fatal("merge must count as an access")
	}
	if sessions.wm.Memories[0].State != types.StatePromoted {
		t.Fatal("working-memory copy not marked promoted after merge")
	}
}

func TestHandlePromoteDedupStaysInsideScope(t *testing.T) {
	t.Parallel()

	provider := embeddings.NewHashProvider(32)

	// Identical text in a different namespace: without scope isolation the
	// candidate would merge into it on similarity 1.0.
	otherVec, _ := provider.Embed(context.Background(), "prefers tea")
	now := time.Now().UTC()
	store := newMemStore()
	if err := store.Upsert(context.Background(), types.MemoryRecord{
		ID: "old1", Text: "prefers tea", MemoryType: types.MemoryTypeSemantic,
		Namespace: "ns1", UserID: "u1", CreatedAt: now, LastAccessed: now,
		Embedding: otherVec, State: types.StatePromoted,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	key := types.SessionKey{Namespace: "", UserID: "u1", SessionID: "s1"}
	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "prefers tea", MemoryType: types.MemoryTypeSemantic, State: types.StatePending},
		},
	}}
	h := NewHandler(sessions, store, provider, nil, Options{DedupThreshold: 0.92}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("handle promote: %v", err)
	}
	if len(store.records) != 2 {
		t.Fatalf("got %d records, want 2: scopes must not cross-merge", len(store.records))
	}
	stored, ok := store.records["m1"]
	if !ok {
		t.Fatal("empty-namespace candidate must be stored under its own scope")
	}
	if stored.Namespace != "" || stored.UserID != "u1" {
		t.Fatalf("scope not preserved: %+v", stored)
	}
}

func TestHandlePromoteBelowThresholdStaysSeparate(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	provider := embeddings.NewHashProvider(32)

	otherVec, _ := provider.Embed(context.Background(), "entirely different topic")
	now := time.Now().UTC()
	store := newMemStore()
	if err := store.Upsert(context.Background(), types.MemoryRecord{
		ID: "old1", Text: "entirely different topic", MemoryType: types.MemoryTypeSemantic,
		Namespace: "ns", UserID: "u1", CreatedAt: now, LastAccessed: now,
		Embedding: otherVec, State: types.StatePromoted,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "prefers tea", MemoryType: types.MemoryTypeSemantic, State: types.StatePending},
		},
	}}
	h := NewHandler(sessions, store, provider, nil, Options{DedupThreshold: 0.92}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("handle promote: %v", err)
	}
	if len(store.records) != 2 {
		t.Fatalf("got %d records, want 2 distinct", len(store.records))
	}
}

func TestHandlePromoteMissingSessionSucceeds(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "gone"}
	h := NewHandler(&fakeSessions{missing: true}, newMemStore(),
		embeddings.NewHashProvider(32), nil, Options{}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("missing session must be a successful no-op: %v", err)
	}
}

func TestHandlePromoteInvalidRecordIsTerminal(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "moved cities", MemoryType: types.MemoryTypeEpisodic, State: types.StatePending},
		},
	}}
	h := NewHandler(sessions, newMemStore(), embeddings.NewHashProvider(32), nil, Options{}, testLogger())

	err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1"))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if types.IsRetryable(err) {
		t.Fatal("validation failure must be terminal, not retryable")
	}
}

func TestHandlePromoteMalformedPayload(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeSessions{}, newMemStore(),
		embeddings.NewHashProvider(32), nil, Options{}, testLogger())
	err := h.HandlePromote(context.Background(), []byte("{not json"))
	var ve *types.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestHandlePromoteRunsExtraction(t *testing.T) {
	t.Parallel()

	key := types.SessionKey{Namespace: "ns", UserID: "u1", SessionID: "s1"}
	sessions := &fakeSessions{wm: types.WorkingMemory{
		SessionKey: key,
		Memories: []types.MemoryRecord{
			{ID: "m1", Text: "user works at Initech on compiler tooling", MemoryType: types.MemoryTypeSemantic, State: types.StatePending},
		},
	}}
	store := newMemStore()
	h := NewHandler(sessions, store, embeddings.NewHashProvider(32),
		NewKeywordExtractor(), Options{}, testLogger())

	if err := h.HandlePromote(context.Background(), promotePayload(t, key, "m1")); err != nil {
		t.Fatalf("handle promote: %v", err)
	}
	stored := store.records["m1"]
	if len(stored.Topics) == 0 {
		t.Fatal("extraction should populate topics")
	}
	found := false
	for _, e := range stored.Entities {
		if e == "Initech" {
			found = true
		}
	}
	if !found {
		t.Fatalf("capitalized proper noun missing from entities: %v", stored.Entities)
	}
}

func TestKeywordExtractor(t *testing.T) {
	t.Parallel()

	topics, entities, err := NewKeywordExtractor().Extract(context.Background(),
		"moved from Berlin to Lisbon, still prefers remote work and remote teams")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	foundRemote := false
	for _, topic := range topics {
		if topic == "remote" {
			foundRemote = true
		}
	}
	if !foundRemote {
		t.Fatalf("repeated keyword missing from topics: %v", topics)
	}
	want := map[string]bool{"Berlin": false, "Lisbon": false}
	for _, e := range entities {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("entity %s missing: %v", name, entities)
		}
	}
}

func TestMergeRecords(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	survivor := types.MemoryRecord{
		ID: "a", Text: "x", MemoryType: types.MemoryTypeSemantic,
		Topics:    []string{"t1"},
		CreatedAt: now.Add(-time.Hour),
	}
	absorbed := types.MemoryRecord{
		ID: "b", Text: "y", MemoryType: types.MemoryTypeSemantic,
		Topics:    []string{"t2"},
		Entities:  []string{"e1"},
		CreatedAt: now.Add(-2 * time.Hour),
	}
	merged := MergeRecords(survivor, absorbed, now)

	if merged.ID != "a" {
		t.Fatalf("id = %s, survivor identity must win", merged.ID)
	}
	if !merged.CreatedAt.Equal(now.Add(-2 * time.Hour)) {
		t.Fatal("earlier created_at must win")
	}
	if len(merged.Topics) != 2 || len(merged.Entities) != 1 {
		t.Fatalf("sets not unioned: topics=%v entities=%v", merged.Topics, merged.Entities)
	}
	if !merged.LastAccessed.Equal(now) {
		t.Fatal("merge must refresh last_accessed")
	}
	if merged.State != types.StatePromoted {
		t.Fatalf("state = %s, want promoted", merged.State)
	}
}
