package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filingsight/ingest-back/internal/domain"
)

// NewPostgresPool opens and verifies the pool shared by the postgres
// repositories.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

type PostgresCompaniesRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCompaniesRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresCompaniesRepository, error) {
	repo := &PostgresCompaniesRepository{pool: pool}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS companies (
			ticker TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cik TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure companies schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresCompaniesRepository) CreateCompany(ctx context.Context, company domain.Company) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO companies (ticker, name, cik) VALUES ($1, $2, $3)
	`, company.Ticker, company.Name, company.CIK)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTicker
		}
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

func (r *PostgresCompaniesRepository) GetCompany(ctx context.Context, ticker string) (domain.Company, error) {
	var company domain.Company
	err := r.pool.QueryRow(ctx, `
		SELECT ticker, name, cik FROM companies WHERE ticker = $1
	`, ticker).Scan(&company.Ticker, &company.Name, &company.CIK)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Company{}, ErrNotFound
		}
		return domain.Company{}, fmt.Errorf("query company: %w", err)
	}
	return company, nil
}

func (r *PostgresCompaniesRepository) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ticker, name, cik FROM companies ORDER BY ticker ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	companies := make([]domain.Company, 0)
	for rows.Next() {
		var company domain.Company
		if err := rows.Scan(&company.Ticker, &company.Name, &company.CIK); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, company)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate companies: %w", rows.Err())
	}
	return companies, nil
}

type PostgresRunsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRunsRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRunsRepository, error) {
	repo := &PostgresRunsRepository{pool: pool}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			requests JSONB NOT NULL,
			items JSONB NOT NULL DEFAULT '[]',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ingestion_runs_status_idx ON ingestion_runs (status)`,
	}
	for _, statement := range statements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return nil, fmt.Errorf("ensure ingestion_runs schema: %w", err)
		}
	}
	return repo, nil
}

func (r *PostgresRunsRepository) CreateRun(ctx context.Context, run *domain.IngestionRun) error {
	items, err := json.Marshal(run.Items)
	if err != nil {
		return fmt.Errorf("encode run items: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ingestion_runs (
			id,
			status,
			requests,
			items,
			error_message,
			attempts,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		run.ID,
		string(run.Status),
		run.Requests,
		items,
		run.ErrorMessage,
		run.Attempts,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *PostgresRunsRepository) UpdateRun(ctx context.Context, run *domain.IngestionRun) error {
	items, err := json.Marshal(run.Items)
	if err != nil {
		return fmt.Errorf("encode run items: %w", err)
	}

	command, err := r.pool.Exec(ctx, `
		UPDATE ingestion_runs
		SET status = $2,
			items = $3,
			error_message = $4,
			attempts = $5,
			updated_at = $6
		WHERE id = $1
	`, run.ID, string(run.Status), items, run.ErrorMessage, run.Attempts, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRunsRepository) GetRun(ctx context.Context, runID string) (*domain.IngestionRun, error) {
	var (
		run       domain.IngestionRun
		status    string
		requests  []byte
		items     []byte
		createdAt time.Time
		updatedAt time.Time
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, status, requests, items, error_message, attempts, created_at, updated_at
		FROM ingestion_runs
		WHERE id = $1
	`, runID).Scan(
		&run.ID,
		&status,
		&requests,
		&items,
		&run.ErrorMessage,
		&run.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query run: %w", err)
	}

	run.Status = domain.RunStatus(status)
	run.Requests = json.RawMessage(requests)
	run.CreatedAt = createdAt
	run.UpdatedAt = updatedAt
	if err := json.Unmarshal(items, &run.Items); err != nil {
		return nil, fmt.Errorf("decode run items: %w", err)
	}
	return &run, nil
}

func (r *PostgresRunsRepository) ListRuns(
	ctx context.Context,
	filter domain.RunListFilter,
) ([]*domain.IngestionRun, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	baseQuery, args := buildRunFilters(filter)

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT id, status, requests, items, error_message, attempts, created_at, updated_at
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*domain.IngestionRun, 0)
	for rows.Next() {
		var (
			run       domain.IngestionRun
			status    string
			requests  []byte
			items     []byte
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(
			&run.ID,
			&status,
			&requests,
			&items,
			&run.ErrorMessage,
			&run.Attempts,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		run.Status = domain.RunStatus(status)
		run.Requests = json.RawMessage(requests)
		run.CreatedAt = createdAt
		run.UpdatedAt = updatedAt
		if err := json.Unmarshal(items, &run.Items); err != nil {
			return nil, 0, fmt.Errorf("decode run items: %w", err)
		}
		runs = append(runs, &run)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", rows.Err())
	}

	return runs, total, nil
}

func buildRunFilters(filter domain.RunListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM ingestion_runs")

	args := make([]any, 0, 1)
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		query.WriteString(" WHERE status = $1")
		args = append(args, status)
	}
	return query.String(), args
}
