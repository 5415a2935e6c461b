package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/repository"
)

type ingestionRequest struct {
	Requests []domain.IngestionRequest `json:"requests"`
}

func (api *API) Ingestions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createIngestion(w, r)
	case http.MethodGet:
		api.listIngestions(w, r)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (api *API) IngestionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/admin/ingestions/"))

	if runID, isCancel := strings.CutSuffix(rest, "/cancel"); isCancel {
		if r.Method != http.MethodPost {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.cancelIngestion(w, r, strings.TrimSpace(runID))
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	api.getIngestion(w, r, rest)
}

func (api *API) createIngestion(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) < 16 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required")
		return
	}

	var request ingestionRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if len(request.Requests) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "at least one ticker request is required")
		return
	}
	if len(request.Requests) > 50 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "at most 50 ticker requests per run")
		return
	}

	payloadHash := hashPayload(request)
	if entry, exists := api.idempotency.Get(idempotencyKey); exists {
		if entry.PayloadHash != payloadHash {
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			return
		}
		response := map[string]any{
			"run_id":      entry.RunID,
			"status":      domain.RunStatusPending,
			"status_url":  "/v1/admin/ingestions/" + entry.RunID,
			"accepted_at": entry.CreatedAt.Format(time.RFC3339Nano),
		}
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusAccepted, response)
		return
	}

	run, err := api.ingestionsService.StartRun(r.Context(), request.Requests)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	api.idempotency.Put(idempotencyKey, payloadHash, run.ID)

	response := map[string]any{
		"run_id":      run.ID,
		"status":      run.Status,
		"status_url":  "/v1/admin/ingestions/" + run.ID,
		"accepted_at": run.CreatedAt.Format(time.RFC3339Nano),
		"items":       len(run.Items),
	}
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, response)
}

func (api *API) listIngestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	status := strings.TrimSpace(query.Get("status"))
	switch domain.RunStatus(status) {
	case "", domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusDone,
		domain.RunStatusFailed, domain.RunStatusCancelled:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}

	runs, total, err := api.ingestionsService.ListRuns(r.Context(), domain.RunListFilter{
		Status:   domain.RunStatus(status),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list ingestion runs")
		return
	}

	items := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		items = append(items, runSummary(run))
	}

	response := map[string]any{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"has_next":  page*pageSize < total,
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) getIngestion(w http.ResponseWriter, r *http.Request, runID string) {
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "run_id is required")
		return
	}

	run, err := api.ingestionsService.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "ingestion run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load ingestion run")
		return
	}

	response := map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"attempts":   run.Attempts,
		"requests":   jsonRawOrFallback(run.Requests),
		"items":      run.Items,
		"created_at": run.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": run.UpdatedAt.Format(time.RFC3339Nano),
	}
	if strings.TrimSpace(run.ErrorMessage) != "" {
		response["error"] = map[string]any{
			"code":    "processing_error",
			"message": run.ErrorMessage,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) cancelIngestion(w http.ResponseWriter, r *http.Request, runID string) {
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "run_id is required")
		return
	}

	if err := api.ingestionsService.Cancel(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "ingestion run not found")
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, r, http.StatusConflict, "conflict", err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to cancel ingestion run")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "cancel_requested",
	})
}

func runSummary(run *domain.IngestionRun) map[string]any {
	counts := domain.IngestionReport{Items: run.Items}.Counts()
	return map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"attempts":   run.Attempts,
		"created_at": run.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": run.UpdatedAt.Format(time.RFC3339Nano),
		"items": map[string]any{
			"total":     len(run.Items),
			"done":      counts[domain.ItemStatusDone],
			"failed":    counts[domain.ItemStatusFailed],
			"cancelled": counts[domain.ItemStatusCancelled],
		},
	}
}
