package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gihan9a/collabsync/pkg/editorproto"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	content    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps documents in a documents table, one JSONB row per id
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to configure database: %w", err)
	}
	err = retry(ctx, "postgres", func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error creating documents table: %w", err)
	}
	log.Println("Connected to PostgreSQL successfully.")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) ([]editorproto.Node, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading document %s: %w", id, err)
	}
	return decode(data)
}

func (s *PostgresStore) Save(ctx context.Context, id string, nodes []editorproto.Node) error {
	data, err := encode(nodes)
	if err != nil {
		return err
	}
	// JSONB equality makes an identical save a no-op
	_, err = s.pool.Exec(ctx, `INSERT INTO documents (id, content) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = now()
		WHERE documents.content IS DISTINCT FROM EXCLUDED.content`, id, data)
	if err != nil {
		return fmt.Errorf("error writing document %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
