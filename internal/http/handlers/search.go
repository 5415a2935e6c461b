package handlers

import (
	"net/http"
	"strings"

	"github.com/filingsight/ingest-back/internal/http/middleware"
	"github.com/filingsight/ingest-back/internal/service"
)

type searchRequest struct {
	Query  string `json:"query"`
	Ticker string `json:"ticker,omitempty"`
	Year   int    `json:"year,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (api *API) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request searchRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	query := strings.TrimSpace(request.Query)
	if query == "" || len(query) > 2000 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "query is required and must have at most 2000 chars")
		return
	}
	if request.Year < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "year must be positive")
		return
	}

	output, err := api.searchService.Search(r.Context(), service.SearchInput{
		Query:  query,
		Ticker: request.Ticker,
		Year:   request.Year,
		Limit:  request.Limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"request_id": middleware.GetRequestID(r.Context()),
		"model_id":   output.ModelID,
		"cached":     output.Cached,
		"hits":       output.Hits,
		"total":      len(output.Hits),
	}
	writeJSON(w, http.StatusOK, response)
}
