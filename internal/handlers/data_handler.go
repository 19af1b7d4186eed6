package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"pos-report-service/internal/locking"
	"pos-report-service/internal/models"
	"pos-report-service/internal/services"
)

type DataHandler struct {
	ingestionService *services.IngestionService
}

func NewDataHandler(ingestionService *services.IngestionService) *DataHandler {
	return &DataHandler{
		ingestionService: ingestionService,
	}
}

// IngestMessage reconciles a single message by id, typically one a batch
// reported as failed once its cause has been fixed.
func (h *DataHandler) IngestMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]

	if messageID == "" {
		respondWithError(w, http.StatusBadRequest, "Message id is required")
		return
	}

	outcome, err := h.ingestionService.IngestByID(r.Context(), messageID)
	var extractErr *services.ExtractionError
	switch {
	case errors.As(err, &extractErr):
		respondWithError(w, http.StatusUnprocessableEntity, extractErr.Error())
		return
	case errors.Is(err, locking.ErrLocked):
		respondWithError(w, http.StatusConflict, "A batch is already in progress")
		return
	case err != nil && outcome == nil:
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		// The decision is committed; only the sheet push failed.
		respondWithJSON(w, http.StatusPartialContent, SuccessResponse{Message: err.Error(), Data: outcome})
		return
	}

	status := http.StatusOK
	if outcome.Decision == models.DecisionInsert || outcome.Decision == models.DecisionReplace {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, outcome)
}
