package types

// PromotePayload references working-memory candidates to promote.
type PromotePayload struct {
	SessionKey
	MemoryIDs []string `json:"memory_ids"`
}

// SummarizePayload defers an over-budget session's condensation.
type SummarizePayload struct {
	SessionKey
}

// ScopePayload addresses one (namespace, user_id) long-term partition for
// forgetting and compaction tasks.
type ScopePayload struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}
