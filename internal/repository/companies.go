package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/filingsight/ingest-back/internal/domain"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrDuplicateTicker = errors.New("ticker already registered")
)

// CompaniesRepository abstracts the registered company set, the only state
// the service must keep across restarts.
type CompaniesRepository interface {
	CreateCompany(ctx context.Context, company domain.Company) error
	GetCompany(ctx context.Context, ticker string) (domain.Company, error)
	ListCompanies(ctx context.Context) ([]domain.Company, error)
}

// MemoryCompaniesRepository stores companies in memory for local development.
type MemoryCompaniesRepository struct {
	mu        sync.RWMutex
	companies map[string]domain.Company
}

func NewMemoryCompaniesRepository() *MemoryCompaniesRepository {
	return &MemoryCompaniesRepository{
		companies: make(map[string]domain.Company),
	}
}

func (r *MemoryCompaniesRepository) CreateCompany(_ context.Context, company domain.Company) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.companies[company.Ticker]; exists {
		return ErrDuplicateTicker
	}
	r.companies[company.Ticker] = company
	return nil
}

func (r *MemoryCompaniesRepository) GetCompany(_ context.Context, ticker string) (domain.Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	company, ok := r.companies[ticker]
	if !ok {
		return domain.Company{}, ErrNotFound
	}
	return company, nil
}

func (r *MemoryCompaniesRepository) ListCompanies(_ context.Context) ([]domain.Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	companies := make([]domain.Company, 0, len(r.companies))
	for _, company := range r.companies {
		companies = append(companies, company)
	}
	sort.Slice(companies, func(i, j int) bool {
		return companies[i].Ticker < companies[j].Ticker
	})
	return companies, nil
}
