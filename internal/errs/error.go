package errs

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidRange      = errors.New("start date is after end date")
	ErrIllegalTransition = errors.New("illegal loan transition")
	ErrConflictResolve   = errors.New("conflict resolution aborted")
	ErrUserName          = errors.New("username is required")
)

type ValidationErrorResponse struct {
	Message string `json:"message"`
	Errors  struct {
		AdditionalProperties string `json:"additionalProperties"`
	} `json:"errors"`
}
