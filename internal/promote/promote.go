// Package promote implements the background pipeline that moves eligible
// working-memory candidates into long-term storage: embed, deduplicate
// against the vector store, upsert, then mark the working-memory copy
// promoted. Every step is idempotent under duplicate task delivery.
package promote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/embeddings"
	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// Sessions is the slice of the working-memory store the pipeline needs.
type Sessions interface {
	Get(ctx context.Context, key types.SessionKey, recentLimit int) (types.WorkingMemory, error)
	Update(ctx context.Context, key types.SessionKey, fn func(*types.WorkingMemory) error) error
}

// Extractor is the optional topic/entity enrichment collaborator.
type Extractor interface {
	Extract(ctx context.Context, text string) (topics, entities []string, err error)
}

// Options tune the pipeline.
type Options struct {
	// DedupThreshold is the cosine similarity at or above which a candidate
	// merges into an existing record instead of creating a new one.
	DedupThreshold float64
	// DedupCandidates bounds the similarity query.
	DedupCandidates int
}

// Handler processes promote tasks.
type Handler struct {
	sessions  Sessions
	store     vector.Store
	provider  embeddings.Provider
	extractor Extractor
	opts      Options
	logger    *log.Logger
}

// NewHandler constructs the promotion handler. extractor may be nil, in
// which case topics and entities stay as the caller supplied them.
func NewHandler(sessions Sessions, store vector.Store, provider embeddings.Provider, extractor Extractor, opts Options, logger *log.Logger) *Handler {
	if opts.DedupThreshold <= 0 || opts.DedupThreshold > 1 {
		opts.DedupThreshold = 0.92
	}
	if opts.DedupCandidates <= 0 {
		opts.DedupCandidates = 5
	}
	return &Handler{
		sessions:  sessions,
		store:     store,
		provider:  provider,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
	}
}

// HandlePromote executes one promote task.
func (h *Handler) HandlePromote(ctx context.Context, payload []byte) error {
	var p types.PromotePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &types.ValidationError{Field: "payload", Reason: "malformed promote payload: " + err.Error()}
	}

	wm, err := h.sessions.Get(ctx, p.SessionKey, 0)
	if errors.Is(err, types.ErrNotFound) {
		// Session gone since the task was enqueued; nothing left to promote.
		return nil
	}
	if err != nil {
		return types.Transient("read working memory", err)
	}

	for _, id := range p.MemoryIDs {
		rec, ok := findMemory(wm, id)
		if !ok || (rec.State != types.StatePending && rec.State != "") {
			// Already handled by an earlier delivery of this task.
			continue
		}
		if err := h.promoteOne(ctx, p.SessionKey, rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) promoteOne(ctx context.Context, key types.SessionKey, rec types.MemoryRecord) error {
	if rec.Namespace == "" {
		rec.Namespace = key.Namespace
	}
	if rec.UserID == "" {
		rec.UserID = key.UserID
	}
	if rec.SessionID == "" {
		rec.SessionID = key.SessionID
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if h.extractor != nil && len(rec.Topics) == 0 && len(rec.Entities) == 0 {
		topics, entities, err := h.extractor.Extract(ctx, rec.Text)
		if err != nil {
			return types.Transient("extract topics", err)
		}
		rec.Topics = topics
		rec.Entities = entities
	}

	vec, err := h.provider.Embed(ctx, rec.Text)
	if err != nil {
		if types.IsRetryable(err) {
			return err
		}
		return types.Transient("embed", err)
	}
	rec.Embedding = vec

	stored, err := h.dedupUpsert(ctx, rec, now)
	if err != nil {
		return err
	}

	// Idempotent overwrite of the same id is fine.
	if err := h.markPromoted(ctx, key, rec.ID); err != nil {
		return err
	}
	h.logger.Debug("memory promoted",
		"session", key.String(), "memory_id", rec.ID, "stored_id", stored.ID,
		"merged", stored.ID != rec.ID)
	return nil
}

// dedupUpsert merges rec into an existing near-duplicate or upserts it as a
// new long-term record. This is compaction-at-write-time, the primary
// deduplication path.
func (h *Handler) dedupUpsert(ctx context.Context, rec types.MemoryRecord, now time.Time) (types.MemoryRecord, error) {
	scope := vector.ScopeFilter(rec.Namespace, rec.UserID)
	matches, err := h.store.Query(ctx, rec.Embedding, scope, h.opts.DedupCandidates)
	if err != nil {
		return rec, types.Transient("dedup query", err)
	}

	for _, m := range matches {
		if m.Score < h.opts.DedupThreshold {
			break
		}
		merged := MergeRecords(m.Record, rec, now)
		if err := h.store.Upsert(ctx, merged); err != nil {
			return rec, types.Transient("upsert merged record", err)
		}
		return merged, nil
	}

	rec.State = types.StatePromoted
	rec.LastAccessed = now
	if err := h.store.Upsert(ctx, rec); err != nil {
		return rec, types.Transient("upsert record", err)
	}
	return rec, nil
}

func (h *Handler) markPromoted(ctx context.Context, key types.SessionKey, memoryID string) error {
	err := h.sessions.Update(ctx, key, func(wm *types.WorkingMemory) error {
		for i := range wm.Memories {
			if wm.Memories[i].ID == memoryID {
				wm.Memories[i].State = types.StatePromoted
			}
		}
		return nil
	})
	if errors.Is(err, types.ErrNotFound) {
		// Session deleted mid-promotion; the long-term record stands.
		return nil
	}
	if errors.Is(err, types.ErrConflict) {
		return types.Transient("mark promoted", err)
	}
	return err
}

// MergeRecords folds absorbed into survivor: the survivor keeps its id, the
// earlier created_at wins, topic and entity sets are unioned, and the merge
// itself counts as an access. Shared by promotion-time dedup and the
// compaction pass so both apply identical tie-breaking.
func MergeRecords(survivor, absorbed types.MemoryRecord, now time.Time) types.MemoryRecord {
	if absorbed.CreatedAt.Before(survivor.CreatedAt) && !absorbed.CreatedAt.IsZero() {
		survivor.CreatedAt = absorbed.CreatedAt
	}
	survivor.Topics = types.UnionStrings(survivor.Topics, absorbed.Topics)
	survivor.Entities = types.UnionStrings(survivor.Entities, absorbed.Entities)
	survivor.LastAccessed = now
	survivor.State = types.StatePromoted
	return survivor
}

func findMemory(wm types.WorkingMemory, id string) (types.MemoryRecord, bool) {
	for _, m := range wm.Memories {
		if m.ID == id {
			return m, true
		}
	}
	return types.MemoryRecord{}, false
}
