package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/notify"
	"github.com/BTreeMap/StudyPipe/internal/schedule"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// validationErrors are reported to the client verbatim with 400.
var validationErrors = []error{
	models.ErrEmptyParticipantID,
	models.ErrParticipantIDTooLong,
	models.ErrInvalidStatus,
	models.ErrDueBeforeStart,
	models.ErrNegativeIterations,
	models.ErrNotificationTargetTooLong,
	notify.ErrInvalidTarget,
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeServiceError maps a service error onto a status code and error envelope. Server-side
// failures are logged and answered with a generic message.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	switch {
	case errors.Is(err, store.ErrParticipantNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
	case errors.Is(err, store.ErrParticipantExists):
		writeJSONResponse(w, http.StatusConflict, models.Error("Participant already exists"))
	case errors.Is(err, schedule.ErrRecordingLookup):
		slog.Error("Server."+op+": recording lookup failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("External recording system unavailable"))
	case errors.Is(err, config.ErrInvalidSchedule), errors.Is(err, schedule.ErrNonAdvancingSchedule):
		slog.Error("Server."+op+": schedule configuration error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Schedule configuration error"))
	default:
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
