// Package lifecycle implements long-term memory hygiene: forgetting
// (age, inactivity and budget eviction), compaction of near-duplicate
// records, and the periodic scheduler that enqueues both per scope.
//
// Handlers are idempotent and safe to run overlapping across workers; the
// queue's one-lease-per-task-instance guarantee is the only coordination.
package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// Options tune forgetting and compaction.
type Options struct {
	MaxAge         time.Duration
	MaxInactive    time.Duration
	BudgetKeepTopN int
	MergeThreshold float64
}

// Handler processes forget and compact tasks.
type Handler struct {
	store  vector.Store
	opts   Options
	logger *log.Logger
}

// NewHandler constructs the lifecycle handler.
func NewHandler(store vector.Store, opts Options, logger *log.Logger) *Handler {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 180 * 24 * time.Hour
	}
	if opts.MaxInactive <= 0 {
		opts.MaxInactive = 90 * 24 * time.Hour
	}
	if opts.BudgetKeepTopN <= 0 {
		opts.BudgetKeepTopN = 10000
	}
	if opts.MergeThreshold <= 0 || opts.MergeThreshold > 1 {
		opts.MergeThreshold = 0.92
	}
	return &Handler{store: store, opts: opts, logger: logger}
}

// HandleForget evicts records in one scope by, in priority order: age,
// inactivity, then recency rank beyond the keep budget. Ties are broken by
// id ascending for determinism.
func (h *Handler) HandleForget(ctx context.Context, payload []byte) error {
	var p types.ScopePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &types.ValidationError{Field: "payload", Reason: "malformed forget payload: " + err.Error()}
	}

	records, err := h.store.Scan(ctx, vector.ScopeFilter(p.Namespace, p.UserID))
	if err != nil {
		return types.Transient("scan scope", err)
	}

	now := time.Now().UTC()
	evicted := selectEvictions(records, now, h.opts)
	if len(evicted) == 0 {
		return nil
	}
	doomed := make(map[string]struct{}, len(evicted))
	for _, id := range evicted {
		doomed[id] = struct{}{}
	}
	// The state machine ends at evicted; record it before the row goes
	// away so a reader racing the delete never sees promoted.
	for _, rec := range records {
		if _, ok := doomed[rec.ID]; !ok {
			continue
		}
		rec.State = types.StateEvicted
		if err := h.store.Upsert(ctx, rec); err != nil {
			return types.Transient("mark record evicted", err)
		}
	}
	if err := h.store.Delete(ctx, evicted...); err != nil {
		return types.Transient("delete evicted records", err)
	}
	h.logger.Info("forgetting pass evicted records",
		"namespace", p.Namespace, "user_id", p.UserID,
		"scanned", len(records), "evicted", len(evicted))
	return nil
}

// selectEvictions returns the ids to evict, sorted ascending.
func selectEvictions(records []types.MemoryRecord, now time.Time, opts Options) []string {
	ageCutoff := now.Add(-opts.MaxAge)
	inactiveCutoff := now.Add(-opts.MaxInactive)

	evict := make(map[string]struct{})
	survivors := make([]types.MemoryRecord, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.CreatedAt.Before(ageCutoff):
			evict[rec.ID] = struct{}{}
		case rec.LastAccessed.Before(inactiveCutoff):
			evict[rec.ID] = struct{}{}
		default:
			survivors = append(survivors, rec)
		}
	}

	if len(survivors) > opts.BudgetKeepTopN {
		// Keep the most recently accessed; ties favor keeping lower ids.
		sort.SliceStable(survivors, func(i, j int) bool {
			if !survivors[i].LastAccessed.Equal(survivors[j].LastAccessed) {
				return survivors[i].LastAccessed.After(survivors[j].LastAccessed)
			}
			return survivors[i].ID < survivors[j].ID
		})
		for _, rec := range survivors[opts.BudgetKeepTopN:] {
			evict[rec.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(evict))
	for id := range evict {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
