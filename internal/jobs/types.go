package jobs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
)

// StatusUnknown is reported for ids that do not name a record.
const StatusUnknown = "unknown"

var (
	// ErrInvalidInput rejects a submission before any record is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDispatch marks a submission whose record was created but could not be handed to a
	// worker. The record is already FAILED when this is returned.
	ErrDispatch = errors.New("dispatch failed")
)

// SubmitRequest starts a generation job. With neither ParentID nor RootID the job opens a new
// lineage.
type SubmitRequest struct {
	OwnerID          string                 `json:"owner_id" validate:"required,max=200"`
	InputText        string                 `json:"input_text" validate:"nonblank"`
	ParentID         string                 `json:"parent_id,omitempty" validate:"omitempty,uuid"`
	RootID           string                 `json:"root_id,omitempty" validate:"omitempty,uuid"`
	ProjectID        string                 `json:"project_id,omitempty" validate:"max=200"`
	ValidatedContext string                 `json:"validated_context,omitempty"`
	Answers          gatekeeper.Answers     `json:"answers,omitempty"`
	Settings         map[string]interface{} `json:"settings,omitempty"`
}

// SubmitResult carries the job handle, which is also the record id. A submission the
// gatekeeper turned away has no job id; Status is then the gatekeeper status and Gatekeeper
// holds the issues and questions.
type SubmitResult struct {
	JobID      string             `json:"job_id,omitempty"`
	RootID     string             `json:"root_id,omitempty"`
	Version    int                `json:"version,omitempty"`
	Status     string             `json:"status"`
	Gatekeeper *gatekeeper.Result `json:"gatekeeper,omitempty"`
}

// Admitted reports whether a record was created for the submission.
func (r SubmitResult) Admitted() bool { return r.JobID != "" }

// StatusResult is the polled view of a job.
type StatusResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Job is what a Dispatcher hands to the worker body.
type Job struct {
	ID        string                 `json:"job_id"`
	OwnerID   string                 `json:"owner_id"`
	ProjectID string                 `json:"project_id,omitempty"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}()

// Validate checks req against its tags and the configured input cap.
func (req SubmitRequest) Validate(maxInputChars int) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if maxInputChars > 0 {
		if err := validate.Var(req.InputText, fmt.Sprintf("max=%d", maxInputChars)); err != nil {
			return fmt.Errorf("%w: input_text exceeds %d characters", ErrInvalidInput, maxInputChars)
		}
	}
	return nil
}
