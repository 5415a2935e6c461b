package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PGVector stores chunks in Postgres through the pgvector extension.
type PGVector struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPGVector(ctx context.Context, databaseURL string, dimensions int) (*PGVector, error) {
	if dimensions <= 0 {
		dimensions = 1536
	}

	// The extension has to exist before vector types can be registered on
	// pool connections, so it is created over a plain connection first.
	bootstrap, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		_ = bootstrap.Close(ctx)
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	if err := bootstrap.Close(ctx); err != nil {
		return nil, fmt.Errorf("close bootstrap connection: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	index := &PGVector{pool: pool, dimensions: dimensions}
	if err := index.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return index, nil
}

func (p *PGVector) ensureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS filing_chunks (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			year INT NOT NULL,
			sequence INT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, p.dimensions),
		`CREATE INDEX IF NOT EXISTS filing_chunks_ticker_year_idx ON filing_chunks (ticker, year)`,
	}
	for _, statement := range statements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure filing_chunks schema: %w", err)
		}
	}
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, records []Record) error {
	for _, record := range records {
		id := strings.TrimSpace(record.ID)
		if id == "" {
			return errors.New("record id is required")
		}
		if len(record.Vector) != p.dimensions {
			return fmt.Errorf("record %q has %d dimensions, expected %d", id, len(record.Vector), p.dimensions)
		}

		_, err := p.pool.Exec(ctx, `
			INSERT INTO filing_chunks (id, ticker, year, sequence, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				ticker = EXCLUDED.ticker,
				year = EXCLUDED.year,
				sequence = EXCLUDED.sequence,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding`,
			id,
			PayloadString(record.Payload, PayloadTicker),
			PayloadInt(record.Payload, PayloadYear),
			PayloadInt(record.Payload, PayloadSequence),
			PayloadString(record.Payload, PayloadContent),
			pgvector.NewVector(record.Vector),
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", id, err)
		}
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if len(vector) != p.dimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, expected %d", len(vector), p.dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	args := []any{pgvector.NewVector(vector)}
	where, filterArgs := chunkFilterClause(filter, 2)
	args = append(args, filterArgs...)

	query := fmt.Sprintf(`
		SELECT id, ticker, year, sequence, content, 1 - (embedding <=> $1) AS score
		FROM filing_chunks%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, limit)
	for rows.Next() {
		var (
			id       string
			ticker   string
			year     int
			sequence int
			content  string
			score    float64
		)
		if err := rows.Scan(&id, &ticker, &year, &sequence, &content, &score); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		matches = append(matches, Match{
			ID:    id,
			Score: score,
			Payload: map[string]any{
				PayloadTicker:   ticker,
				PayloadYear:     year,
				PayloadSequence: sequence,
				PayloadContent:  content,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return matches, nil
}

func (p *PGVector) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := chunkFilterClause(filter, 1)

	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM filing_chunks"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (p *PGVector) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (p *PGVector) Close() {
	p.pool.Close()
}

func chunkFilterClause(filter Filter, argIndex int) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)

	if filter.Ticker != "" {
		conditions = append(conditions, fmt.Sprintf("ticker = $%d", argIndex))
		args = append(args, filter.Ticker)
		argIndex++
	}
	if filter.Year != 0 {
		conditions = append(conditions, fmt.Sprintf("year = $%d", argIndex))
		args = append(args, filter.Year)
		argIndex++
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
