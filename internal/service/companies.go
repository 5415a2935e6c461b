package service

import (
	"context"
	"strings"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/repository"
)

// CompaniesService owns the registered company set, the only state the
// ingestion surface keeps besides runs and the vector index itself.
type CompaniesService struct {
	repo repository.CompaniesRepository
}

func NewCompaniesService(repo repository.CompaniesRepository) *CompaniesService {
	return &CompaniesService{repo: repo}
}

func (s *CompaniesService) List(ctx context.Context) ([]domain.Company, error) {
	return s.repo.ListCompanies(ctx)
}

func (s *CompaniesService) Get(ctx context.Context, ticker string) (domain.Company, error) {
	return s.repo.GetCompany(ctx, NormalizeTicker(ticker))
}

// Register stores a new company under its normalized ticker. The repository
// reports repository.ErrDuplicateTicker when the ticker is already taken.
func (s *CompaniesService) Register(ctx context.Context, company domain.Company) (domain.Company, error) {
	company.Ticker = NormalizeTicker(company.Ticker)
	company.Name = strings.TrimSpace(company.Name)
	company.CIK = strings.TrimSpace(company.CIK)

	if err := s.repo.CreateCompany(ctx, company); err != nil {
		return domain.Company{}, err
	}
	return company, nil
}

// NormalizeTicker is the canonical ticker form used by storage, queue
// payloads and index filters: uppercase with no surrounding space.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
