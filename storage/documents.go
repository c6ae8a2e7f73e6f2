package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatforge/kbingest/pipeline_type"
)

type DocumentStore struct {
	db *pgxpool.Pool
}

func NewDocumentStore(db *pgxpool.Pool) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Create(ctx context.Context, doc *pipeline_type.Document) error {
	query := `INSERT INTO documents (id, client_id, filename, declared_type, source_url, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, query,
		doc.ID, doc.ClientID, doc.Filename, string(doc.DeclaredType), doc.SourceURL, doc.CreatedAt)
	if err != nil {
		return persistErr("create document", err)
	}
	return nil
}

// SetCanonicalURL records where the canonical PDF lives. Write-once: a
// second call for the same document is a no-op.
func (s *DocumentStore) SetCanonicalURL(ctx context.Context, documentID, canonicalURL string) error {
	query := `UPDATE documents SET canonical_url = $2 WHERE id = $1 AND canonical_url = ''`
	_, err := s.db.Exec(ctx, query, documentID, canonicalURL)
	if err != nil {
		return persistErr("set canonical URL", err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, documentID string) (*pipeline_type.Document, error) {
	query := `SELECT id, client_id, filename, declared_type, source_url, canonical_url, created_at
	          FROM documents WHERE id = $1`

	var doc pipeline_type.Document
	var declaredType string
	err := s.db.QueryRow(ctx, query, documentID).Scan(
		&doc.ID, &doc.ClientID, &doc.Filename, &declaredType, &doc.SourceURL, &doc.CanonicalURL, &doc.CreatedAt)
	if err != nil {
		return nil, persistErr("get document", err)
	}
	doc.DeclaredType = pipeline_type.DeclaredType(declaredType)
	return &doc, nil
}
