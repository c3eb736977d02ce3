package sentiment

import "errors"

// ValidationError is a client-caused failure whose message is safe to
// return to the caller verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Invalid returns a *ValidationError with the given message.
func Invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
