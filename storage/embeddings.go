package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/chatforge/kbingest/pipeline_type"
)

// embeddingQuerier is the slice of pgxpool.Pool this store uses; tests
// substitute a fake to exercise the query paths without Postgres.
type embeddingQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type EmbeddingStore struct {
	db embeddingQuerier
}

func NewEmbeddingStore(db *pgxpool.Pool) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

func (s *EmbeddingStore) Insert(ctx context.Context, clientID, contentRef, content string, embedding pgvector.Vector) error {
	query := `INSERT INTO knowledge_embeddings (id, client_id, content_ref, content, embedding)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.Exec(ctx, query, uuid.New().String(), clientID, contentRef, content, embedding)
	if err != nil {
		return persistErr("insert embedding", err)
	}
	return nil
}

// buildSimilarityQuery produces the scoped cosine search. The client_id
// predicate lives inside the CTE so no match can ever cross client scopes.
func buildSimilarityQuery(clientID string, embedding pgvector.Vector, threshold float64, maxResults int) (string, []interface{}) {
	query := `
		WITH scored AS (
			SELECT
				content_ref,
				content,
				1 - (embedding <=> $2) AS score
			FROM knowledge_embeddings
			WHERE client_id = $1
		)
		SELECT content_ref, content, score
		FROM scored
		WHERE score >= $3
		ORDER BY score DESC
		LIMIT $4`
	return query, []interface{}{clientID, embedding, threshold, maxResults}
}

// SimilaritySearch returns matches for the query embedding within one
// client's scope, highest score first.
func (s *EmbeddingStore) SimilaritySearch(ctx context.Context, clientID string, embedding pgvector.Vector, threshold float64, maxResults int) ([]pipeline_type.SimilarityMatch, error) {
	query, args := buildSimilarityQuery(clientID, embedding, threshold, maxResults)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("similarity search", err)
	}
	defer rows.Close()

	matches := make([]pipeline_type.SimilarityMatch, 0)
	for rows.Next() {
		var m pipeline_type.SimilarityMatch
		if err := rows.Scan(&m.ContentRef, &m.Content, &m.Score); err != nil {
			return nil, persistErr("scan similarity match", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("similarity search rows", err)
	}
	return matches, nil
}
