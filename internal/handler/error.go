package handler

import (
	"errors"

	"github.com/glizzus/radio-relay/internal/radio"
)

// UserError is an error type that is used to represent
// an error that should be displayed to the user.
type UserError struct {
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

var _ error = (*UserError)(nil)

const genericFailure = "Something went wrong, please try again later."

// UserMessage returns what a Discord user should read about err. Anything
// that is not meant for users collapses into a generic message.
func UserMessage(err error) string {
	var userErr *UserError
	switch {
	case errors.As(err, &userErr):
		return userErr.Message
	case errors.Is(err, radio.ErrAlreadyActive):
		return "The radio is already playing in this server."
	case errors.Is(err, radio.ErrNotActive):
		return "The radio is not playing in this server."
	default:
		return genericFailure
	}
}
