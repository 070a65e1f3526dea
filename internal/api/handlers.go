package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// registerRequest is the body of POST /participants.
type registerRequest struct {
	ID                   string     `json:"id"`
	UID                  string     `json:"uid,omitempty"`
	NotificationTarget   string     `json:"notification_target,omitempty"`
	GeneralStudyEndDate  *time.Time `json:"general_study_end_date,omitempty"`
	PersonalStudyEndDate *time.Time `json:"personal_study_end_date,omitempty"`
}

// checkpointResult is the result of POST /participants/{id}/checkpoint.
type checkpointResult struct {
	Participant    models.Participant `json:"participant"`
	Overridden     bool               `json:"overridden"`
	SkippedWindows int                `json:"skipped_windows"`
}

// sweepResult is the result of POST /sweep.
type sweepResult struct {
	Rescheduled int `json:"rescheduled"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.registerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	p, err := s.svc.Register(r.Context(), models.Participant{
		ID:                   req.ID,
		UID:                  req.UID,
		NotificationTarget:   req.NotificationTarget,
		GeneralStudyEndDate:  req.GeneralStudyEndDate,
		PersonalStudyEndDate: req.PersonalStudyEndDate,
	})
	if err != nil {
		slog.Warn("Server.registerHandler: register failed", "participant_id", req.ID, "error", err)
		writeServiceError(w, "registerHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Participant registered", p))
}

func (s *Server) getParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, "getParticipantHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")

	// An empty body is a checkpoint without triggers.
	var trigger models.Trigger
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&trigger); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.checkpointHandler: failed to decode JSON", "participant_id", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	d, err := s.svc.Checkpoint(r.Context(), id, trigger)
	if err != nil {
		writeServiceError(w, "checkpointHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(checkpointResult{
		Participant:    d.Participant,
		Overridden:     d.Overridden,
		SkippedWindows: d.Window.Skipped,
	}))
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Sweep(r.Context())
	if err != nil {
		// Participants that were rescheduled stay rescheduled; report the partial count.
		slog.Error("Server.sweepHandler: sweep finished with errors", "rescheduled", n, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: "Sweep finished with errors",
			Result:  sweepResult{Rescheduled: n},
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sweepResult{Rescheduled: n}))
}
