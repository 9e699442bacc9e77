package broadcast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"broadcastd/internal/storage"
)

var (
	ErrNotFound               = errors.New("broadcast not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoFailedRecipients     = errors.New("no failed recipients to retry")
)

// ValidationError is returned by Create for bad input.
type ValidationError struct {
	Problems []string
	err      error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return e.err }

func newValidationError(err error, problems ...string) *ValidationError {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			problems = append(problems, fieldMessage(fe))
		}
	}
	return &ValidationError{Problems: problems, err: err}
}

func fieldMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "max":
		return err.Field() + " must be at most " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "target_group":
		return err.Field() + " must be one of: ALL STUDENTS TEACHERS TUTORS PARENTS CUSTOM"
	default:
		return err.Field() + " is invalid"
	}
}

// mapStoreErr translates storage sentinels into this package's errors.
func mapStoreErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, storage.ErrStateConflict):
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	default:
		return err
	}
}
