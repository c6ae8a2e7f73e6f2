package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSimilarityQueryArgs(t *testing.T) {
	vec := pgvector.NewVector([]float32{0.1, 0.2, 0.3})
	query, args := buildSimilarityQuery("client-7", vec, 0.7, 5)

	require.Len(t, args, 4)
	assert.Equal(t, "client-7", args[0])
	assert.Equal(t, vec, args[1])
	assert.Equal(t, 0.7, args[2])
	assert.Equal(t, 5, args[3])

	assert.Contains(t, query, "1 - (embedding <=> $2) AS score")
	assert.Contains(t, query, "WHERE score >= $3")
	assert.Contains(t, query, "ORDER BY score DESC")
	assert.Contains(t, query, "LIMIT $4")
}

func TestBuildSimilarityQueryScopesInsideCTE(t *testing.T) {
	query, _ := buildSimilarityQuery("c", pgvector.NewVector(nil), 0.5, 10)

	clientPredicate := strings.Index(query, "WHERE client_id = $1")
	outerSelect := strings.Index(query, "FROM scored")
	require.GreaterOrEqual(t, clientPredicate, 0)
	require.GreaterOrEqual(t, outerSelect, 0)
	assert.Less(t, clientPredicate, outerSelect, "client scoping must happen inside the CTE")
}

// fakeEmbeddingRows replays canned (content_ref, content, score) rows.
type fakeEmbeddingRows struct {
	rows [][3]any
	idx  int
}

func (r *fakeEmbeddingRows) Close()                                       {}
func (r *fakeEmbeddingRows) Err() error                                   { return nil }
func (r *fakeEmbeddingRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeEmbeddingRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeEmbeddingRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeEmbeddingRows) RawValues() [][]byte                          { return nil }
func (r *fakeEmbeddingRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeEmbeddingRows) Next() bool {
	if r.idx < len(r.rows) {
		r.idx++
		return true
	}
	return false
}

func (r *fakeEmbeddingRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*string)) = row[0].(string)
	*(dest[1].(*string)) = row[1].(string)
	*(dest[2].(*float64)) = row[2].(float64)
	return nil
}

type fakeEmbeddingQuerier struct {
	rows     [][3]any
	execSQL  string
	execArgs []any
	sql      string
	args     []any
}

func (f *fakeEmbeddingQuerier) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = arguments
	return pgconn.CommandTag{}, nil
}

func (f *fakeEmbeddingQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql = sql
	f.args = args
	return &fakeEmbeddingRows{rows: f.rows}, nil
}

func TestSimilaritySearchScopesByClient(t *testing.T) {
	querier := &fakeEmbeddingQuerier{
		rows: [][3]any{
			{"doc-1", "first passage", 0.92},
			{"doc-2", "second passage", 0.81},
		},
	}
	store := &EmbeddingStore{db: querier}
	vec := pgvector.NewVector([]float32{0.1, 0.2, 0.3})

	matches, err := store.SimilaritySearch(context.Background(), "client-7", vec, 0.6, 3)
	require.NoError(t, err)

	// The client id travels as $1, inside the CTE predicate.
	require.Len(t, querier.args, 4)
	assert.Equal(t, "client-7", querier.args[0])
	assert.Equal(t, vec, querier.args[1])
	assert.Equal(t, 0.6, querier.args[2])
	assert.Equal(t, 3, querier.args[3])
	assert.Contains(t, querier.sql, "WHERE client_id = $1")

	require.Len(t, matches, 2)
	assert.Equal(t, "doc-1", matches[0].ContentRef)
	assert.Equal(t, "first passage", matches[0].Content)
	assert.InDelta(t, 0.92, matches[0].Score, 1e-9)
	assert.Equal(t, "doc-2", matches[1].ContentRef)
}

func TestInsertCarriesClientScope(t *testing.T) {
	querier := &fakeEmbeddingQuerier{}
	store := &EmbeddingStore{db: querier}
	vec := pgvector.NewVector([]float32{1, 2, 3})

	err := store.Insert(context.Background(), "client-7", "doc-1", "combined text", vec)
	require.NoError(t, err)

	require.Len(t, querier.execArgs, 5)
	assert.NotEmpty(t, querier.execArgs[0])
	assert.Equal(t, "client-7", querier.execArgs[1])
	assert.Equal(t, "doc-1", querier.execArgs[2])
	assert.Equal(t, "combined text", querier.execArgs[3])
	assert.Equal(t, vec, querier.execArgs[4])
}
