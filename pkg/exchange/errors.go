package exchange

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable cause of a failed exchange
type Reason string

const (
	ReasonMissingToken         Reason = "missing_exchange_token"
	ReasonInvalidToken         Reason = "invalid_token"
	ReasonTokenAlreadyUsed     Reason = "token_already_used"
	ReasonEmailNotVerified     Reason = "email_not_verified"
	ReasonOrganizationRequired Reason = "organization_required"
	ReasonInternal             Reason = "internal_error"
)

// Error is returned by Service.Exchange for every failure
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "exchange: " + string(e.Reason)
	}
	return fmt.Sprintf("exchange: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the reason from err, or ReasonInternal for errors that
// did not come from an exchange
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}
