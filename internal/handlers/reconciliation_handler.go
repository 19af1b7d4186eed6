package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"pos-report-service/internal/locking"
	"pos-report-service/internal/models"
	"pos-report-service/internal/repositories"
	"pos-report-service/internal/services"
)

type ReconciliationHandler struct {
	reconciliationService *services.ReconciliationService
	ingestionService      *services.IngestionService
}

func NewReconciliationHandler(reconciliationService *services.ReconciliationService, ingestionService *services.IngestionService) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciliationService: reconciliationService,
		ingestionService:      ingestionService,
	}
}

// RunSync runs one batch synchronously and returns its summary.
func (h *ReconciliationHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.ingestionService.RunBatch(r.Context())
	if errors.Is(err, locking.ErrLocked) {
		respondWithError(w, http.StatusConflict, "A batch is already in progress")
		return
	}
	if err != nil {
		if result == nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondWithJSON(w, http.StatusInternalServerError, result)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *ReconciliationHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	records, err := h.reconciliationService.ListReports(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*models.ParsedReport{}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(records),
		"records": records,
	})
}

func (h *ReconciliationHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reportDate := fmt.Sprintf("%s/%s/%s", vars["day"], vars["month"], vars["year"])

	if _, ok := models.ParseReportDate(reportDate); !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid report date. Use /reports/dd/mm/yyyy")
		return
	}

	record, err := h.reconciliationService.GetReport(r.Context(), reportDate)
	if errors.Is(err, repositories.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "No report for "+reportDate)
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, record)
}

func (h *ReconciliationHandler) GetProcessed(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciliationService.ProcessedStatus(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Error marshaling JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
