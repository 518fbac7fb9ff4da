package vector

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the reference Store implementation. Embeddings are stored
// as little-endian float32 blobs; similarity is cosine, computed in Go.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ Store = (*SQLiteStore)(nil)
var _ ScopeLister = (*SQLiteStore)(nil)

// OpenSQLite opens and initializes the long-term memory store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
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

func (s *SQLiteStore) Upsert(ctx context.Context, rec types.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	topicsJSON, err := json.Marshal(stringsOrEmpty(rec.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	entitiesJSON, err := json.Marshal(stringsOrEmpty(rec.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	eventDate := sql.NullString{}
	if rec.EventDate != nil {
		eventDate = sql.NullString{String: rec.EventDate.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	state := rec.State
	if state == "" {
		state = types.StatePromoted
	}

	const stmt = `INSERT INTO long_term_memories (
		id, text, memory_type, topics_json, entities_json,
		namespace, user_id, session_id, event_date, created_at, last_accessed,
		embedding, state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		memory_type = excluded.memory_type,
		topics_json = excluded.topics_json,
		entities_json = excluded.entities_json,
		namespace = excluded.namespace,
		user_id = excluded.user_id,
		session_id = excluded.session_id,
		event_date = excluded.event_date,
		created_at = excluded.created_at,
		last_accessed = excluded.last_accessed,
		embedding = excluded.embedding,
		state = excluded.state`
	_, err = s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.Text,
		string(rec.MemoryType),
		string(topicsJSON),
		string(entitiesJSON),
		rec.Namespace,
		rec.UserID,
		rec.SessionID,
		eventDate,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastAccessed.UTC().Format(time.RFC3339Nano),
		encodeVector(rec.Embedding),
		string(state),
	)
	if err != nil {
		return fmt.Errorf("upsert long-term memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, vec []float32, filter Filter, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	records, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		score := CosineSimilarity(vec, rec.Embedding)
		matches = append(matches, Match{Record: rec, Score: score})
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

	// Surfacing a record counts as access.
	now := time.Now().UTC()
	for i := range matches {
		matches[i].Record.LastAccessed = now
		if _, err := s.db.ExecContext(ctx,
			`UPDATE long_term_memories SET last_accessed = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), matches[i].Record.ID,
		); err != nil {
			s.logger.Warn("touch last_accessed failed", "id", matches[i].Record.ID, "error", err)
		}
	}
	return matches, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM long_term_memories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete long-term memory %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, filter Filter) ([]types.MemoryRecord, error) {
	return s.scan(ctx, filter)
}

func (s *SQLiteStore) scan(ctx context.Context, filter Filter) ([]types.MemoryRecord, error) {
	base := `SELECT id, text, memory_type, topics_json, entities_json,
	namespace, user_id, session_id, event_date, created_at, last_accessed,
	embedding, state
FROM long_term_memories`
	var args []any
	var conds []string
	// Scalar equality is pushed to SQL; set and range predicates are
	// applied in Go by Filter.Match below. A MatchEmpty predicate pushes
	// as equality on '' so the empty partition stays isolated in SQL too.
	push := func(column string, p TagPredicate) {
		if p.Eq == "" && !p.MatchEmpty {
			return
		}
		conds = append(conds, column+" = ?")
		args = append(args, p.Eq)
	}
	push("namespace", filter.Namespace)
	push("user_id", filter.UserID)
	push("session_id", filter.SessionID)
	push("memory_type", filter.MemoryType)
	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	base += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, base, args...)
	if err != nil {
		return nil, fmt.Errorf("scan long-term memories: %w", err)
	}
	defer rows.Close()

	var records []types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		if filter.Match(rec) {
			records = append(records, rec)
		}
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int64, error) {
	records, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

// CountAll returns the total number of long-term records.
func (s *SQLiteStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM long_term_memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count long-term memories: %w", err)
	}
	return n, nil
}

// Scopes enumerates distinct (namespace, user_id) partitions.
func (s *SQLiteStore) Scopes(ctx context.Context) ([]Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace, user_id FROM long_term_memories ORDER BY namespace, user_id`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var sc Scope
		if err := rows.Scan(&sc.Namespace, &sc.UserID); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// Recent returns the newest records by created_at, for the admin
// dashboard. Does not touch last_accessed.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, text, memory_type, topics_json, entities_json,
	namespace, user_id, session_id, event_date, created_at, last_accessed,
	embedding, state
FROM long_term_memories ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	records := make([]types.MemoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one record by id without touching last_accessed.
func (s *SQLiteStore) Get(ctx context.Context, id string) (types.MemoryRecord, error) {
	const query = `SELECT id, text, memory_type, topics_json, entities_json,
	namespace, user_id, session_id, event_date, created_at, last_accessed,
	embedding, state
FROM long_term_memories WHERE id = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanRecordRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return rec, types.ErrNotFound
		}
		return rec, fmt.Errorf("get long-term memory: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(sc scanner) (types.MemoryRecord, error) {
	var (
		rec          types.MemoryRecord
		memoryType   string
		topicsJSON   string
		entitiesJSON string
		eventDate    sql.NullString
		createdAt    string
		lastAccessed string
		embedding    []byte
		state        string
	)
	err := sc.Scan(
		&rec.ID, &rec.Text, &memoryType, &topicsJSON, &entitiesJSON,
		&rec.Namespace, &rec.UserID, &rec.SessionID, &eventDate,
		&createdAt, &lastAccessed, &embedding, &state,
	)
	if err != nil {
		return rec, err
	}
	rec.MemoryType = types.MemoryType(memoryType)
	rec.State = types.PersistenceState(state)
	if err := json.Unmarshal([]byte(topicsJSON), &rec.Topics); err != nil {
		rec.Topics = nil
	}
	if err := json.Unmarshal([]byte(entitiesJSON), &rec.Entities); err != nil {
		rec.Entities = nil
	}
	if eventDate.Valid {
		if t, err := time.Parse(time.RFC3339Nano, eventDate.String); err == nil {
			rec.EventDate = &t
		}
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return rec, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.LastAccessed, err = time.Parse(time.RFC3339Nano, lastAccessed); err != nil {
		return rec, fmt.Errorf("parse last_accessed: %w", err)
	}
	rec.Embedding = decodeVector(embedding)
	return rec, nil
}

func stringsOrEmpty(vs []string) []string {
	if vs == nil {
		return []string{}
	}
	return vs
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
