package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/huaquanghan/agent-memory-server/internal/promote"
	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// HandleCompact merges near-duplicate records within one scope. Merging is
// transitive within a single pass: if A~B and B~C, all three collapse into
// one record. Each cluster survives as the record with the earliest
// created_at (ties: lowest id), with topic and entity sets unioned.
func (h *Handler) HandleCompact(ctx context.Context, payload []byte) error {
	var p types.ScopePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &types.ValidationError{Field: "payload", Reason: "malformed compact payload: " + err.Error()}
	}

	records, err := h.store.Scan(ctx, vector.ScopeFilter(p.Namespace, p.UserID))
	if err != nil {
		return types.Transient("scan scope", err)
	}
	if len(records) < 2 {
		return nil
	}

	uf := newUnionFind(len(records))
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			score := vector.CosineSimilarity(records[i].Embedding, records[j].Embedding)
			if score >= h.opts.MergeThreshold {
				uf.union(i, j)
			}
		}
	}

	clusters := make(map[int][]types.MemoryRecord)
	for i, rec := range records {
		root := uf.find(i)
		clusters[root] = append(clusters[root], rec)
	}

	now := time.Now().UTC()
	merged := 0
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		survivor, losers := pickSurvivor(cluster)
		for _, rec := range losers {
			survivor = promote.MergeRecords(survivor, rec, now)
		}
		// Upsert before delete so a concurrent search never observes the
		// cluster half-applied with the survivor missing.
		if err := h.store.Upsert(ctx, survivor); err != nil {
			return types.Transient("upsert merged record", err)
		}
		// Absorbed identities terminate at evicted before their rows go.
		loserIDs := make([]string, 0, len(losers))
		for i := range losers {
			losers[i].State = types.StateEvicted
			if err := h.store.Upsert(ctx, losers[i]); err != nil {
				return types.Transient("mark absorbed record evicted", err)
			}
			loserIDs = append(loserIDs, losers[i].ID)
		}
		if err := h.store.Delete(ctx, loserIDs...); err != nil {
			return types.Transient("delete merged records", err)
		}
		merged += len(losers)
	}

	if merged > 0 {
		h.logger.Info("compaction merged records",
			"namespace", p.Namespace, "user_id", p.UserID,
			"scanned", len(records), "absorbed", merged)
	}
	return nil
}

// pickSurvivor orders a cluster by (created_at asc, id asc) and splits off
// the head as the surviving identity.
func pickSurvivor(cluster []types.MemoryRecord) (types.MemoryRecord, []types.MemoryRecord) {
	sorted := make([]types.MemoryRecord, len(cluster))
	copy(sorted, cluster)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], sorted[1:]
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri != rj {
		u.parent[rj] = ri
	}
}
