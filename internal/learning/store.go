// Package learning implements the Learning Store: CRUD over retrievable
// knowledge units plus the FTS5 full-text index declared in
// internal/store/migrations.go. Grounded on the teacher repo's CRUD
// style (internal/db/task_repo.go) generalized to learnings, with the
// embedding-dimension pinning rule from spec.md §4.8 enforced here so a
// later dimension mismatch surfaces as a per-learning skip in the
// Retriever rather than a whole-query failure.
package learning

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// Store owns the learnings table and its FTS5 shadow index.
type Store struct {
	store *store.Store
}

// New returns a Store backed by s.
func New(s *store.Store) *Store {
	return &Store{store: s}
}

// Create inserts a new learning with a neutral 0.5 outcome score.
func (st *Store) Create(ctx context.Context, content, category string) (*model.Learning, error) {
	if content == "" {
		return nil, &ValidationError{Reason: "content must not be empty"}
	}
	l := &model.Learning{
		ID:           idgen.New(),
		Content:      content,
		Category:     category,
		OutcomeScore: 0.5,
		CreatedAt:    model.NowUTC(),
		UpdatedAt:    model.NowUTC(),
	}
	_, err := st.store.SQL().ExecContext(ctx, `
		INSERT INTO learnings (id, content, category, outcome_score, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		l.ID, l.Content, l.Category, l.OutcomeScore, model.FormatTimestamp(l.CreatedAt), model.FormatTimestamp(l.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Get fetches a learning by id, decoding its embedding if present.
func (st *Store) Get(ctx context.Context, id string) (*model.Learning, error) {
	return scanLearning(st.store.SQL().QueryRowContext(ctx, `
		SELECT id, content, category, embedding, outcome_score, usage_count, created_at, updated_at
		FROM learnings WHERE id = ?`, id))
}

// UpdateContent replaces a learning's content (and therefore its FTS
// index row, via the sync triggers).
func (st *Store) UpdateContent(ctx context.Context, id, content string) error {
	if content == "" {
		return &ValidationError{Reason: "content must not be empty"}
	}
	res, err := st.store.SQL().ExecContext(ctx, `
		UPDATE learnings SET content = ?, updated_at = ? WHERE id = ?`,
		content, model.FormatTimestamp(model.NowUTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// SetEmbedding stores vec for id, rejecting it if its dimension conflicts
// with the dimension already pinned by any other non-null embedding in the
// store (the first embedding written pins the store's dimension).
func (st *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	if len(vec) == 0 {
		return &ValidationError{Reason: "embedding must not be empty"}
	}
	return st.store.Transact(ctx, func(tx *sql.Tx) error {
		var pinned sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT embedding_dim FROM learnings WHERE embedding_dim IS NOT NULL LIMIT 1`).Scan(&pinned); err != nil && err != sql.ErrNoRows {
			return err
		}
		if pinned.Valid && int(pinned.Int64) != len(vec) {
			return &EmbeddingDimensionMismatchError{Got: len(vec), Want: int(pinned.Int64)}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE learnings SET embedding = ?, embedding_dim = ? WHERE id = ?`,
			encodeEmbedding(vec), len(vec), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ID: id}
		}
		return nil
	})
}

// SetOutcomeScore overwrites a learning's outcome score directly (used by
// callers recording an explicit human/agent judgment, distinct from the
// Bayesian feedback score computed from USED_IN_RUN edges).
func (st *Store) SetOutcomeScore(ctx context.Context, id string, score float64) error {
	res, err := st.store.SQL().ExecContext(ctx, `
		UPDATE learnings SET outcome_score = ?, updated_at = ? WHERE id = ?`,
		score, model.FormatTimestamp(model.NowUTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// IncrementUsage bumps a learning's usage_count by one.
func (st *Store) IncrementUsage(ctx context.Context, id string) error {
	res, err := st.store.SQL().ExecContext(ctx, `UPDATE learnings SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Delete removes a learning and its FTS row (via the delete trigger).
func (st *Store) Delete(ctx context.Context, id string) error {
	res, err := st.store.SQL().ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// BM25Candidate is one row of a full-text search hit.
type BM25Candidate struct {
	Learning *model.Learning
	// Score is higher-is-better, the negated form of FTS5's native bm25()
	// (which returns lower-is-better scores).
	Score float64
}

// SearchBM25 runs a full-text query against the FTS5 index and returns the
// top limit candidates ordered best-first.
func (st *Store) SearchBM25(ctx context.Context, query string, limit int) ([]BM25Candidate, error) {
	if query == "" {
		return nil, &ValidationError{Reason: "query must not be empty"}
	}
	rows, err := st.store.SQL().QueryContext(ctx, `
		SELECT l.id, l.content, l.category, l.embedding, l.outcome_score, l.usage_count, l.created_at, l.updated_at,
		       bm25(learnings_fts) AS raw_score
		FROM learnings_fts
		JOIN learnings l ON l.rowid = learnings_fts.rowid
		WHERE learnings_fts MATCH ?
		ORDER BY raw_score ASC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BM25Candidate
	for rows.Next() {
		var l model.Learning
		var embedding []byte
		var created, updated string
		var rawScore float64
		if err := rows.Scan(&l.ID, &l.Content, &l.Category, &embedding, &l.OutcomeScore, &l.UsageCount, &created, &updated, &rawScore); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = model.ParseTimestamp(created); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
			return nil, err
		}
		if len(embedding) > 0 {
			l.Embedding = decodeEmbedding(embedding)
		}
		// bm25() is lower-is-better and unbounded below zero; negate so
		// higher is always better, matching vector_score's convention.
		out = append(out, BM25Candidate{Learning: &l, Score: -rawScore})
	}
	return out, rows.Err()
}

// All returns every learning, for callers (like the naive vector index)
// that need to rebuild a full in-memory view.
func (st *Store) All(ctx context.Context) ([]*model.Learning, error) {
	rows, err := st.store.SQL().QueryContext(ctx, `
		SELECT id, content, category, embedding, outcome_score, usage_count, created_at, updated_at FROM learnings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Learning
	for rows.Next() {
		var l model.Learning
		var embedding []byte
		var created, updated string
		if err := rows.Scan(&l.ID, &l.Content, &l.Category, &embedding, &l.OutcomeScore, &l.UsageCount, &created, &updated); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = model.ParseTimestamp(created); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
			return nil, err
		}
		if len(embedding) > 0 {
			l.Embedding = decodeEmbedding(embedding)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func scanLearning(row *sql.Row) (*model.Learning, error) {
	var l model.Learning
	var embedding []byte
	var created, updated string
	if err := row.Scan(&l.ID, &l.Content, &l.Category, &embedding, &l.OutcomeScore, &l.UsageCount, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{}
		}
		return nil, err
	}
	var err error
	if l.CreatedAt, err = model.ParseTimestamp(created); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		l.Embedding = decodeEmbedding(embedding)
	}
	return &l, nil
}

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
