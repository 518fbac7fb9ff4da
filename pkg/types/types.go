package types

import (
	"errors"
	"strings"
	"time"
)

// MemoryType classifies a long-term memory record.
type MemoryType string

const (
	MemoryTypeSemantic MemoryType = "semantic"
	MemoryTypeEpisodic MemoryType = "episodic"
	MemoryTypeMessage  MemoryType = "message"
)

// PersistenceState tracks where a memory record lives in its lifecycle.
// Transitions: pending -> promoted -> evicted. Evicted is terminal.
type PersistenceState string

const (
	StatePending  PersistenceState = "pending"
	StatePromoted PersistenceState = "promoted"
	StateEvicted  PersistenceState = "evicted"
)

// SessionKey identifies one working-memory slot. SessionID is required;
// Namespace and UserID scope the key but may be empty.
type SessionKey struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id"`
}

// String renders the key for logging and storage, skipping empty parts.
func (k SessionKey) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{k.Namespace, k.UserID, k.SessionID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Validate checks that the key can address a session.
func (k SessionKey) Validate() error {
	if strings.TrimSpace(k.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "session_id is required"}
	}
	return nil
}

// Message is one conversational turn held in working memory.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryRecord is a structured memory, either a working-memory candidate
// or a promoted long-term record.
type MemoryRecord struct {
	ID               string           `json:"id"`
	Text             string           `json:"text"`
	MemoryType       MemoryType       `json:"memory_type"`
	Topics           []string         `json:"topics,omitempty"`
	Entities         []string         `json:"entities,omitempty"`
	Namespace        string           `json:"namespace,omitempty"`
	UserID           string           `json:"user_id,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	EventDate        *time.Time       `json:"event_date,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	LastAccessed     time.Time        `json:"last_accessed"`
	Embedding        []float32        `json:"embedding,omitempty"`
	State            PersistenceState `json:"persistence_state"`
	LongTermEligible bool             `json:"long_term_eligible,omitempty"`
}

// Validate enforces record invariants. Violations are terminal; the core
// rejects bad records instead of coercing them.
func (r MemoryRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Reason: "memory id is required"}
	}
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{Field: "text", Reason: "memory text must not be empty"}
	}
	switch r.MemoryType {
	case MemoryTypeSemantic, MemoryTypeMessage:
	case MemoryTypeEpisodic:
		if r.EventDate == nil {
			return &ValidationError{Field: "event_date", Reason: "episodic memories require an event_date"}
		}
	default:
		return &ValidationError{Field: "memory_type", Reason: "unknown memory_type " + string(r.MemoryType)}
	}
	return nil
}

// WorkingMemory is the ephemeral per-session record.
type WorkingMemory struct {
	SessionKey
	Messages      []Message      `json:"messages"`
	Memories      []MemoryRecord `json:"memories"`
	Context       string         `json:"context,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	TokenEstimate int            `json:"token_estimate"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastAccessed  time.Time      `json:"last_accessed"`
}

// TaskType names the background work a task carries.
type TaskType string

const (
	TaskPromote   TaskType = "promote"
	TaskSummarize TaskType = "summarize"
	TaskForget    TaskType = "forget"
	TaskCompact   TaskType = "compact"
)

// TaskStatus is the queue-side state of a task.
type TaskStatus string

const (
	TaskScheduled       TaskStatus = "scheduled"
	TaskLeased          TaskStatus = "leased"
	TaskSucceeded       TaskStatus = "succeeded"
	TaskFailedRetryable TaskStatus = "failed_retryable"
	TaskFailedTerminal  TaskStatus = "failed_terminal"
)

// Task is one durable queue entry. Payload is opaque to the queue.
type Task struct {
	ID             string     `json:"id"`
	Type           TaskType   `json:"type"`
	Payload        []byte     `json:"payload"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	NotBefore      time.Time  `json:"not_before"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Sentinel errors shared across components.
var (
	// ErrNotFound reports an absent session or record. Background handlers
	// treat it as a successful no-op; interactive callers surface it.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a lost optimistic-write race on a session key.
	// Resolved by re-read-and-retry inside the component.
	ErrConflict = errors.New("concurrent write conflict")
)

// ValidationError is a terminal, never-retried input error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// TransientError wraps a collaborator failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsRetryable classifies a task-handler error for the worker pool.
func IsRetryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// UnionStrings merges two string sets preserving first-seen order.
func UnionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
