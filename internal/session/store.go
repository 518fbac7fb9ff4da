// Package session implements the working-memory store: per-session
// conversational state with a token budget, summarization when the budget
// is exceeded, and promotion enqueueing for long-term-eligible memories.
//
// All mutations of one session key are serialized through optimistic
// versioned writes; a lost race surfaces as types.ErrConflict and is
// retried inside the component, never propagated to interactive callers.
package session

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Enqueuer schedules background tasks; satisfied by the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType types.TaskType, payload []byte, notBefore time.Time) (string, error)
}

// Summarizer is the external text-condensation collaborator.
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.Message, priorContext string) (string, error)
}

// Recaller searches long-term storage; satisfied by the vector store.
// When attached and IndexAllMessages is on, Get can rebuild an expired
// session's conversation from its indexed message records.
type Recaller interface {
	Scan(ctx context.Context, filter vector.Filter) ([]types.MemoryRecord, error)
}

// Options tune store behavior.
type Options struct {
	// ContextWindowTokens times BudgetFraction is the message token budget.
	ContextWindowTokens int
	BudgetFraction      float64
	SummarizeTimeout    time.Duration
	SessionTTL          time.Duration
	// IndexAllMessages promotes message-type candidates even without an
	// explicit eligibility mark.
	IndexAllMessages bool
}

const conflictRetries = 5

// Store is the SQLite-backed working-memory store.
type Store struct {
	db         *sql.DB
	queue      Enqueuer
	summarizer Summarizer
	recall     Recaller
	opts       Options
	logger     *log.Logger
}

// AttachRecaller enables reconstruction of expired sessions from long-term
// message records. Only meaningful with IndexAllMessages on, since only
// indexed conversations leave records to rebuild from.
func (s *Store) AttachRecaller(r Recaller) {
	s.recall = r
}

// Open opens and initializes the working-memory database. queue is required;
// summarizer may be nil, in which case over-budget sessions defer their
// condensation to a summarize task.
func Open(ctx context.Context, dbPath string, queue Enqueuer, summarizer Summarizer, opts Options, logger *log.Logger) (*Store, error) {
	if opts.ContextWindowTokens <= 0 {
		opts.ContextWindowTokens = 4096
	}
	if opts.BudgetFraction <= 0 || opts.BudgetFraction > 1 {
		opts.BudgetFraction = 0.7
	}
	if opts.SummarizeTimeout <= 0 {
		opts.SummarizeTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, queue: queue, summarizer: summarizer, opts: opts, logger: logger}
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return s, nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// TokenBudget is the message budget derived from the configured window.
func (s *Store) TokenBudget() int {
	return int(float64(s.opts.ContextWindowTokens) * s.opts.BudgetFraction)
}

// Get returns the working memory for key, touching last_accessed.
// recentLimit > 0 trims the returned messages to the newest N; the stored
// sequence is left intact.
func (s *Store) Get(ctx context.Context, key types.SessionKey, recentLimit int) (types.WorkingMemory, error) {
	if err := key.Validate(); err != nil {
		return types.WorkingMemory{}, err
	}
	wm, _, err := s.getWithVersion(ctx, key)
	if errors.Is(err, types.ErrNotFound) && s.recall != nil && s.opts.IndexAllMessages {
		return s.reconstruct(ctx, key, recentLimit)
	}
	if err != nil {
		return types.WorkingMemory{}, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE working_memories SET last_accessed = ? WHERE namespace = ? AND user_id = ? AND session_id = ?`,
		now.Format(time.RFC3339Nano), key.Namespace, key.UserID, key.SessionID,
	); err != nil {
		s.logger.Warn("touch last_accessed failed", "session", key.String(), "error", err)
	}
	wm.LastAccessed = now

	if recentLimit > 0 && len(wm.Messages) > recentLimit {
		wm.Messages = wm.Messages[len(wm.Messages)-recentLimit:]
	}
	return wm, nil
}

// reconstruct rebuilds a session whose row expired from the message
// records the promotion pipeline left in long-term storage. Record text
// carries "role: content"; records without that shape are skipped. The
// rebuilt session has no structured memories, context or data, and is not
// persisted: the next Set recreates the row.
func (s *Store) reconstruct(ctx context.Context, key types.SessionKey, recentLimit int) (types.WorkingMemory, error) {
	filter := vector.ScopeFilter(key.Namespace, key.UserID)
	filter.SessionID = vector.EqTag(key.SessionID)
	filter.MemoryType = vector.EqTag(string(types.MemoryTypeMessage))
	records, err := s.recall.Scan(ctx, filter)
	if err != nil {
		return types.WorkingMemory{}, fmt.Errorf("reconstruct working memory: %w", err)
	}

	messages := make([]types.Message, 0, len(records))
	for _, rec := range records {
		role, content, ok := strings.Cut(rec.Text, ": ")
		if !ok || role == "" {
			s.logger.Warn("skipping malformed message record", "id", rec.ID)
			continue
		}
		messages = append(messages, types.Message{
			ID:        rec.ID,
			Role:      strings.ToLower(role),
			Content:   content,
			CreatedAt: rec.CreatedAt,
		})
	}
	if len(messages) == 0 {
		return types.WorkingMemory{}, types.ErrNotFound
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})
	if recentLimit > 0 && len(messages) > recentLimit {
		messages = messages[len(messages)-recentLimit:]
	}

	now := time.Now().UTC()
	wm := types.WorkingMemory{
		SessionKey:   key,
		Messages:     messages,
		Memories:     []types.MemoryRecord{},
		Data:         map[string]any{},
		CreatedAt:    messages[0].CreatedAt,
		UpdatedAt:    now,
		LastAccessed: now,
	}
	wm.TokenEstimate = EstimateWorkingMemoryTokens(wm)
	s.logger.Info("reconstructed session from long-term messages",
		"session", key.String(), "messages", len(messages))
	return wm, nil
}

// Set replaces the working memory for wm's session key wholesale. It
// validates every memory candidate, recomputes the token estimate, runs
// the summarizer trigger when over budget, persists, and enqueues a
// promote task for pending long-term-eligible memories.
func (s *Store) Set(ctx context.Context, wm types.WorkingMemory) error {
	if err := wm.SessionKey.Validate(); err != nil {
		return err
	}
	for i := range wm.Memories {
		if err := wm.Memories[i].Validate(); err != nil {
			return err
		}
	}
	// Clients may omit message ids; the server owns identity from here on.
	for i := range wm.Messages {
		if wm.Messages[i].ID == "" {
			wm.Messages[i].ID = uuid.NewString()
		}
	}

	now := time.Now().UTC()
	if wm.CreatedAt.IsZero() {
		wm.CreatedAt = now
	}
	wm.UpdatedAt = now
	wm.LastAccessed = now
	wm.TokenEstimate = EstimateWorkingMemoryTokens(wm)

	deferred := false
	if wm.TokenEstimate > s.TokenBudget() {
		var err error
		deferred, err = s.condense(ctx, &wm)
		if err != nil {
			return err
		}
	}

	// An unconditional upsert: last interactive writer wins, so Set never
	// sees ErrConflict. Only the versioned Update path can lose a race.
	if err := s.put(ctx, wm, 0); err != nil {
		return err
	}

	if deferred {
		if err := s.enqueueSummarize(ctx, wm.SessionKey); err != nil {
			return err
		}
	}
	return s.enqueuePromotions(ctx, wm)
}

// condense runs the summarizer trigger. It returns true when condensation
// had to be deferred to a background task because the summarizer is absent
// or failed transiently.
func (s *Store) condense(ctx context.Context, wm *types.WorkingMemory) (bool, error) {
	if s.summarizer == nil {
		return true, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.SummarizeTimeout)
	defer cancel()
	if err := Condense(sctx, s.summarizer, wm, s.TokenBudget()); err != nil {
		if types.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("summarization deferred", "session", wm.SessionKey.String(), "error", err)
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *Store) enqueueSummarize(ctx context.Context, key types.SessionKey) error {
	payload, err := json.Marshal(types.SummarizePayload{SessionKey: key})
	if err != nil {
		return fmt.Errorf("marshal summarize payload: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, types.TaskSummarize, payload, time.Time{}); err != nil {
		return fmt.Errorf("enqueue summarize: %w", err)
	}
	return nil
}

func (s *Store) enqueuePromotions(ctx context.Context, wm types.WorkingMemory) error {
	var ids []string
	for _, m := range wm.Memories {
		if m.State != types.StatePending && m.State != "" {
			continue
		}
		eligible := m.LongTermEligible ||
			(s.opts.IndexAllMessages && m.MemoryType == types.MemoryTypeMessage)
		if eligible {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	payload, err := json.Marshal(types.PromotePayload{SessionKey: wm.SessionKey, MemoryIDs: ids})
	if err != nil {
		return fmt.Errorf("marshal promote payload: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, types.TaskPromote, payload, time.Time{}); err != nil {
		return fmt.Errorf("enqueue promote: %w", err)
	}
	s.logger.Debug("enqueued promotion", "session", wm.SessionKey.String(), "memories", len(ids))
	return nil
}

// Update applies fn to the current working memory under optimistic
// concurrency: on a conflicting concurrent writer it re-reads and retries.
// Used by background handlers for compare-and-swap style status updates.
func (s *Store) Update(ctx context.Context, key types.SessionKey, fn func(*types.WorkingMemory) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		wm, version, err := s.getWithVersion(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(&wm); err != nil {
			return err
		}
		wm.UpdatedAt = time.Now().UTC()
		wm.TokenEstimate = EstimateWorkingMemoryTokens(wm)
		lastErr = s.put(ctx, wm, version)
		if !errors.Is(lastErr, types.ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

// Delete removes all state for key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key types.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM working_memories WHERE namespace = ? AND user_id = ? AND session_id = ?`,
		key.Namespace, key.UserID, key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("delete working memory: %w", err)
	}
	return nil
}

// List pages session keys ordered by last write time (newest first), then
// session id for a stable tiebreak. Returns the total count alongside the
// page.
func (s *Store) List(ctx context.Context, namespace string, limit, offset int) (int64, []types.SessionKey, error) {
	if limit <= 0 {
		return 0, nil, &types.ValidationError{Field: "limit", Reason: "limit must be > 0"}
	}
	if offset < 0 {
		return 0, nil, &types.ValidationError{Field: "offset", Reason: "offset must be >= 0"}
	}

	countQuery := `SELECT count(*) FROM working_memories`
	pageQuery := `SELECT namespace, user_id, session_id FROM working_memories`
	var countArgs, pageArgs []any
	if namespace != "" {
		countQuery += ` WHERE namespace = ?`
		pageQuery += ` WHERE namespace = ?`
		countArgs = append(countArgs, namespace)
		pageArgs = append(pageArgs, namespace)
	}
	pageQuery += ` ORDER BY updated_at DESC, session_id ASC LIMIT ? OFFSET ?`
	pageArgs = append(pageArgs, limit, offset)

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, pageArgs...)
	if err != nil {
		return 0, nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	keys := make([]types.SessionKey, 0, limit)
	for rows.Next() {
		var k types.SessionKey
		if err := rows.Scan(&k.Namespace, &k.UserID, &k.SessionID); err != nil {
			return 0, nil, err
		}
		keys = append(keys, k)
	}
	return total, keys, rows.Err()
}

// ExpireSessions deletes sessions whose TTL has elapsed.
func (s *Store) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM working_memories WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of stored sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM working_memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Summarize runs the summarizer trigger against the stored session. It
// backs the deferred summarize task and is idempotent: an under-budget
// session succeeds without side effects.
func (s *Store) Summarize(ctx context.Context, key types.SessionKey) error {
	if s.summarizer == nil {
		return types.Transient("summarize", errors.New("no summarizer configured"))
	}
	err := s.Update(ctx, key, func(wm *types.WorkingMemory) error {
		if EstimateWorkingMemoryTokens(*wm) <= s.TokenBudget() {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, s.opts.SummarizeTimeout)
		defer cancel()
		return Condense(sctx, s.summarizer, wm, s.TokenBudget())
	})
	if errors.Is(err, types.ErrNotFound) {
		// Session deleted since the task was enqueued.
		return nil
	}
	return err
}

func (s *Store) getWithVersion(ctx context.Context, key types.SessionKey) (types.WorkingMemory, int64, error) {
	const query = `SELECT messages_json, memories_json, context, data_json,
	token_estimate, ttl_seconds, version, created_at, updated_at, last_accessed
FROM working_memories WHERE namespace = ? AND user_id = ? AND session_id = ? LIMIT 1`

	var (
		wm           types.WorkingMemory
		messagesJSON string
		memoriesJSON string
		dataJSON     string
		version      int64
		createdAt    string
		updatedAt    string
		lastAccessed string
	)
	err := s.db.QueryRowContext(ctx, query, key.Namespace, key.UserID, key.SessionID).Scan(
		&messagesJSON, &memoriesJSON, &wm.Context, &dataJSON,
		&wm.TokenEstimate, &wm.TTLSeconds, &version, &createdAt, &updatedAt, &lastAccessed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wm, 0, types.ErrNotFound
		}
		return wm, 0, fmt.Errorf("get working memory: %w", err)
	}

	wm.SessionKey = key
	if err := json.Unmarshal([]byte(messagesJSON), &wm.Messages); err != nil {
		return wm, 0, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(memoriesJSON), &wm.Memories); err != nil {
		return wm, 0, fmt.Errorf("unmarshal memories: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &wm.Data); err != nil {
		wm.Data = map[string]any{}
	}
	if wm.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return wm, 0, fmt.Errorf("parse created_at: %w", err)
	}
	if wm.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return wm, 0, fmt.Errorf("parse updated_at: %w", err)
	}
	if wm.LastAccessed, err = time.Parse(time.RFC3339Nano, lastAccessed); err != nil {
		return wm, 0, fmt.Errorf("parse last_accessed: %w", err)
	}
	return wm, version, nil
}

// put persists wm. expectVersion 0 means unconditional replace (interactive
// set); a positive version makes the write conditional and returns
// ErrConflict when another writer got there first.
func (s *Store) put(ctx context.Context, wm types.WorkingMemory, expectVersion int64) error {
	messagesJSON, err := json.Marshal(messagesOrEmpty(wm.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	memoriesJSON, err := json.Marshal(memoriesOrEmpty(wm.Memories))
	if err != nil {
		return fmt.Errorf("marshal memories: %w", err)
	}
	data := wm.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	ttl := wm.TTLSeconds
	if ttl <= 0 && s.opts.SessionTTL > 0 {
		ttl = int(s.opts.SessionTTL / time.Second)
	}
	expiresAt := sql.NullString{}
	if ttl > 0 {
		expiresAt = sql.NullString{
			String: wm.UpdatedAt.Add(time.Duration(ttl) * time.Second).UTC().Format(time.RFC3339Nano),
			Valid:  true,
		}
	}

	if expectVersion > 0 {
		res, err := s.db.ExecContext(ctx, `UPDATE working_memories SET
			messages_json = ?, memories_json = ?, context = ?, data_json = ?,
			token_estimate = ?, ttl_seconds = ?, version = version + 1,
			updated_at = ?, last_accessed = ?, expires_at = ?
		WHERE namespace = ? AND user_id = ? AND session_id = ? AND version = ?`,
			string(messagesJSON), string(memoriesJSON), wm.Context, string(dataJSON),
			wm.TokenEstimate, ttl,
			wm.UpdatedAt.UTC().Format(time.RFC3339Nano),
			wm.LastAccessed.UTC().Format(time.RFC3339Nano),
			expiresAt,
			wm.Namespace, wm.UserID, wm.SessionID, expectVersion,
		)
		if err != nil {
			return fmt.Errorf("update working memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if n == 0 {
			return types.ErrConflict
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO working_memories (
		namespace, user_id, session_id, messages_json, memories_json, context,
		data_json, token_estimate, ttl_seconds, version, created_at, updated_at,
		last_accessed, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	ON CONFLICT(namespace, user_id, session_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		memories_json = excluded.memories_json,
		context = excluded.context,
		data_json = excluded.data_json,
		token_estimate = excluded.token_estimate,
		ttl_seconds = excluded.ttl_seconds,
		version = working_memories.version + 1,
		updated_at = excluded.updated_at,
		last_accessed = excluded.last_accessed,
		expires_at = excluded.expires_at`,
		wm.Namespace, wm.UserID, wm.SessionID,
		string(messagesJSON), string(memoriesJSON), wm.Context, string(dataJSON),
		wm.TokenEstimate, ttl,
		wm.CreatedAt.UTC().Format(time.RFC3339Nano),
		wm.UpdatedAt.UTC().Format(time.RFC3339Nano),
		wm.LastAccessed.UTC().Format(time.RFC3339Nano),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put working memory: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func messagesOrEmpty(ms []types.Message) []types.Message {
	if ms == nil {
		return []types.Message{}
	}
	return ms
}

func memoriesOrEmpty(ms []types.MemoryRecord) []types.MemoryRecord {
	if ms == nil {
		return []types.MemoryRecord{}
	}
	return ms
}
