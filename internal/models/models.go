// Package models defines the core data structures for StudyPipe.
//
// It includes the participant snapshot handled by the scheduling engine, the triggers that
// steer it, and the JSON envelope shared by the API handlers.
package models

import (
	"errors"
	"time"
)

// Status is the study participation status of a participant.
type Status string

const (
	// StatusOnStudy means the participant is still eligible for questionnaires.
	StatusOnStudy Status = "on_study"
	// StatusOffStudy means the general or personal study end date has passed.
	StatusOffStudy Status = "off_study"
)

// IsValidStatus checks if the given status is supported.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusOnStudy, StatusOffStudy:
		return true
	default:
		return false
	}
}

// Validation constants for participant input
const (
	// MaxParticipantIDLength defines the maximum allowed length for participant identifiers
	MaxParticipantIDLength = 128
	// MaxNotificationTargetLength defines the maximum allowed length for a notification target
	MaxNotificationTargetLength = 32
)

// Error variables for better error handling and testability
var (
	ErrEmptyParticipantID        = errors.New("participant id cannot be empty")
	ErrParticipantIDTooLong      = errors.New("participant id exceeds maximum length")
	ErrInvalidStatus             = errors.New("invalid participant status")
	ErrDueBeforeStart            = errors.New("due date cannot be before start date")
	ErrNegativeIterations        = errors.New("additional iterations left cannot be negative")
	ErrNotificationTargetTooLong = errors.New("notification target exceeds maximum length")
)

// Participant is the scheduling snapshot of one study participant. The scheduling engine
// reads a Participant and returns a full replacement value; it never mutates its input.
type Participant struct {
	ID                       string     `json:"id"`
	UID                      string     `json:"uid"` // identity in the external recording system
	CurrentQuestionnaireID   string     `json:"current_questionnaire_id,omitempty"`
	StartDate                *time.Time `json:"start_date,omitempty"`
	DueDate                  *time.Time `json:"due_date,omitempty"`
	CurrentInstanceID        string     `json:"current_instance_id,omitempty"`
	CurrentInterval          int        `json:"current_interval"`
	AdditionalIterationsLeft int        `json:"additional_iterations_left"`
	Status                   Status     `json:"status"`
	GeneralStudyEndDate      *time.Time `json:"general_study_end_date,omitempty"`
	PersonalStudyEndDate     *time.Time `json:"personal_study_end_date,omitempty"`
	NotificationTarget       string     `json:"notification_target,omitempty"` // E.164 phone number
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Validate checks the structural invariants of a participant snapshot.
func (p *Participant) Validate() error {
	if p.ID == "" {
		return ErrEmptyParticipantID
	}
	if len(p.ID) > MaxParticipantIDLength || len(p.UID) > MaxParticipantIDLength {
		return ErrParticipantIDTooLong
	}
	if p.Status != "" && !IsValidStatus(p.Status) {
		return ErrInvalidStatus
	}
	if p.StartDate != nil && p.DueDate != nil && p.DueDate.Before(*p.StartDate) {
		return ErrDueBeforeStart
	}
	if p.AdditionalIterationsLeft < 0 {
		return ErrNegativeIterations
	}
	if len(p.NotificationTarget) > MaxNotificationTargetLength {
		return ErrNotificationTargetTooLong
	}
	return nil
}

// Clone returns a deep copy so that callers can hand out snapshots without sharing the
// time pointers.
func (p Participant) Clone() Participant {
	p.StartDate = cloneTime(p.StartDate)
	p.DueDate = cloneTime(p.DueDate)
	p.GeneralStudyEndDate = cloneTime(p.GeneralStudyEndDate)
	p.PersonalStudyEndDate = cloneTime(p.PersonalStudyEndDate)
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// Trigger steers the next scheduling decision. SpecialTrigger takes priority over
// BasicTrigger wherever both matter.
type Trigger struct {
	BasicTrigger   bool `json:"basicTrigger,omitempty"`
	SpecialTrigger bool `json:"specialTrigger,omitempty"`
}

// SwitchToShort reports whether either trigger moves the participant to a short track.
func (t Trigger) SwitchToShort() bool {
	return t.BasicTrigger || t.SpecialTrigger
}

// ExternalRecording is a pending visit/data recording announced by the external
// recording system for a participant.
type ExternalRecording struct {
	DataSchemaURL        string    `json:"dataSchemaUrl"`
	ScheduledDateTimeUTC time.Time `json:"scheduledDateTimeUtc"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
