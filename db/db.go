package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool against dbURL, retrying while the database comes
// up, and makes sure the pgvector extension and our tables exist.
func Connect(dbURL string, embeddingDim int) (*pgxpool.Pool, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	var pool *pgxpool.Pool
	var err error
	maxRetries := 10
	retryDelay := time.Second * 10

	for i := 0; i < maxRetries; i++ {
		config, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse DATABASE_URL: %v", err)
		}

		pool, err = pgxpool.NewWithConfig(context.Background(), config)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				log.Println("Successfully connected to the database")
				break
			}
		}

		log.Printf("Failed to connect to the database (attempt %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database after %d attempts: %v", maxRetries, err)
	}

	// Enable pgvector extension
	_, err = pool.Exec(context.Background(), "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return nil, fmt.Errorf("unable to create vector extension: %v", err)
	}

	if err := ensureSchema(context.Background(), pool, embeddingDim); err != nil {
		return nil, err
	}

	return pool, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			client_id TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			declared_type TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			canonical_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id),
			client_id TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			chunk_count INT NOT NULL DEFAULT 0,
			chunks JSONB NOT NULL DEFAULT '[]',
			chunks_failed INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_embeddings (
			id UUID PRIMARY KEY,
			client_id TEXT NOT NULL,
			content_ref TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_jobs_client ON processing_jobs(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_client ON knowledge_embeddings(client_id)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %v", err)
		}
	}
	return nil
}
