package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/repository"
)

type companyRequest struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	CIK    string `json:"cik"`
}

func (api *API) Companies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.listCompanies(w, r)
	case http.MethodPost:
		api.registerCompany(w, r)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (api *API) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := api.companiesService.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list companies")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": companies,
		"total": len(companies),
	})
}

func (api *API) registerCompany(w http.ResponseWriter, r *http.Request) {
	var request companyRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	ticker := strings.TrimSpace(request.Ticker)
	if ticker == "" || len(ticker) > 10 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "ticker is required and must have at most 10 chars")
		return
	}
	name := strings.TrimSpace(request.Name)
	if name == "" || len(name) > 256 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "name is required and must have at most 256 chars")
		return
	}
	cik := strings.TrimSpace(request.CIK)
	if cik == "" || len(cik) > 10 || !isDigits(cik) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "cik must be a numeric SEC identifier")
		return
	}

	company, err := api.companiesService.Register(r.Context(), domain.Company{
		Ticker: ticker,
		Name:   name,
		CIK:    cik,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateTicker) {
			writeError(w, r, http.StatusConflict, "duplicate_ticker", "ticker is already registered")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to register company")
		return
	}

	writeJSON(w, http.StatusCreated, company)
}

func isDigits(value string) bool {
	for _, char := range value {
		if char < '0' || char > '9' {
			return false
		}
	}
	return value != ""
}
