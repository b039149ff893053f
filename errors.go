package opiweb

import (
	"errors"
	"fmt"

	"github.com/vikions/OpiWeb/chain"
)

var (
	// ErrInvalidParam represents an invalid parameter error
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrOpenAPI represents a CLOB API error
	ErrOpenAPI = errors.New("clob api error")

	// ErrNoEntry is returned when take-profit is armed without a confirmed entry
	ErrNoEntry = errors.New("no confirmed entry order")

	// ErrPercentageSumInvalid is returned when TP level percentages do not sum to 100
	ErrPercentageSumInvalid = errors.New("tp level percentages must sum to 100")

	// ErrActionInProgress is returned when the same action is invoked while running
	ErrActionInProgress = errors.New("action already in progress")

	// ErrBelowMinOrderSize is returned when an order is smaller than the market minimum
	ErrBelowMinOrderSize = errors.New("order below minimum size")

	// ErrSignedOrderMismatch is returned when a signed order does not match the session
	ErrSignedOrderMismatch = errors.New("signed order does not match trading context")

	// ErrArmNotFound is returned for unknown take-profit arm ids
	ErrArmNotFound = errors.New("tp arm not found")

	// ErrDuplicateRequest is returned when an idempotency key is reused
	ErrDuplicateRequest = errors.New("duplicate idempotency key")
)

// Errors from the order pipeline, re-exported so callers need a single import.
type (
	ValidationError = chain.ValidationError
	PrecisionError  = chain.PrecisionError
	IdentityError   = chain.IdentityError
	ChainError      = chain.ChainError
	SigningError    = chain.SigningError
)

// InvalidParamError represents an invalid parameter error with context
type InvalidParamError struct {
	Message string
}

func (e *InvalidParamError) Error() string {
	return e.Message
}

func (e *InvalidParamError) Unwrap() error { return ErrInvalidParam }

// OpenAPIError represents a CLOB API error with context
type OpenAPIError struct {
	StatusCode int
	Message    string
}

func (e *OpenAPIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *OpenAPIError) Unwrap() error { return ErrOpenAPI }

// ArmError records the orchestrator state an arm attempt failed in.
type ArmError struct {
	State ArmState
	Err   error
}

func (e *ArmError) Error() string {
	return fmt.Sprintf("tp arm failed during %s: %v", e.State, e.Err)
}

func (e *ArmError) Unwrap() error { return e.Err }
