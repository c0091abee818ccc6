package schema

import "errors"

// Error categories. Concrete errors across the engine unwrap to one of these so
// the API layer can map them to a response code with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrValidationFailed = errors.New("validation failed")
	ErrDbAccessFailed   = errors.New("unable to access database")
)

type categorizedError struct {
	msg      string
	category error
}

func (e *categorizedError) Error() string {
	return e.msg
}

func (e *categorizedError) Unwrap() error {
	return e.category
}

// NewError creates a sentinel error with the given message that matches
// category under errors.Is.
func NewError(category error, msg string) error {
	return &categorizedError{msg: msg, category: category}
}

var (
	ErrUserNotFound       = NewError(ErrNotFound, "user not found")
	ErrModelNotFound      = NewError(ErrNotFound, "model not found")
	ErrTeamNotFound       = NewError(ErrNotFound, "team not found")
	ErrUserTeamNotFound   = NewError(ErrNotFound, "user team membership not found")
	ErrDependencyNotFound = NewError(ErrNotFound, "dependency model not found")

	ErrCyclicDependency  = NewError(ErrInvalidState, "dependency would introduce a cycle in the model graph")
	ErrInvalidTransition = NewError(ErrInvalidState, "invalid status transition")
	ErrHasDependents     = NewError(ErrInvalidState, "model is used as a dependency by other models")
	ErrDuplicateModel    = NewError(ErrInvalidState, "a model with this name already exists for the user")
)
