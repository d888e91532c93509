package secevents

import (
	"errors"
	"fmt"
)

// Error kinds returned by the stores and the orchestrator. Sub-kinds wrap
// their parent so errors.Is(err, ErrValidation) matches ErrWindowTooOld too.
var (
	ErrValidation        = errors.New("validation error")
	ErrMissingServer     = fmt.Errorf("%w: server is required", ErrValidation)
	ErrMissingUsername   = fmt.Errorf("%w: username is required", ErrValidation)
	ErrWindowTooOld      = fmt.Errorf("%w: begin timestamp is outside the look-back limit", ErrValidation)
	ErrConflictingWindow = fmt.Errorf("%w: an end timestamp cannot be combined with resuming from a checkpoint", ErrValidation)

	ErrProfileNotFound  = errors.New("profile not found")
	ErrDuplicateProfile = errors.New("profile already exists")
	ErrNoDefaultProfile = errors.New("no default profile set")

	ErrCredentialNeeded = errors.New("no stored password for account")
	ErrCredential       = errors.New("credentials rejected")
	ErrMFARequired      = fmt.Errorf("%w: multi-factor authentication token required", ErrCredential)

	ErrStorage = errors.New("state storage failure")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
