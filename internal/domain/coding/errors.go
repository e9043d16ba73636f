package coding

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound     = errors.New("coding session not found")
	ErrBatchNotFound       = errors.New("charge batch not found")
	ErrAnalysisInFlight    = errors.New("analysis already in progress for this session")
	ErrAlreadySubmitted    = errors.New("draft already submitted")
	ErrDuplicateSubmission = errors.New("charge batch already submitted")
)

// InputError reports a caller contract violation: the engine was invoked
// without validated input.
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ValidationError reports a rejected submission. No side effects have
// occurred when it is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInput reports whether err is, or wraps, an *InputError.
func IsInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
