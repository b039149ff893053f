package chain

import (
	"errors"
	"fmt"
)

// Normalizer errors
var (
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidSize        = errors.New("invalid size")
	ErrUnsupportedSide    = errors.New("unsupported side")
	ErrAmountTooSmall     = errors.New("amount too small")
	ErrPriceOutOfTickBand = errors.New("price out of tick band")
	ErrInvalidField       = errors.New("invalid field")
)

// Builder and signer errors
var (
	ErrNoActiveIdentity = errors.New("no active trading identity")
	ErrInvalidTokenID   = errors.New("invalid token ID")
	ErrChainMismatch    = errors.New("wallet chain mismatch")
	ErrUserRejected     = errors.New("signature request rejected by user")
	ErrNoWallet         = errors.New("no wallet available")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidationError reports bad price/size/percentage input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PrecisionError reports an amount that cannot be represented within the
// tick and amount constraints.
type PrecisionError struct {
	Field string
	Value string
	Err   error
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("%s: %v (value %s)", e.Field, e.Err, e.Value)
}

func (e *PrecisionError) Unwrap() error { return e.Err }

// IdentityError reports a missing or incomplete trading identity.
type IdentityError struct {
	Message string
	Err     error
}

func (e *IdentityError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// ChainError reports a wallet connected to the wrong network.
type ChainError struct {
	Required int64
	Actual   int64
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v: wallet is on chain %d, required chain id %d", e.Err, e.Actual, e.Required)
}

func (e *ChainError) Unwrap() error { return e.Err }

// SigningError reports a declined or impossible signature request.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// validationErr builds a ValidationError; a nil err wraps ErrInvalidField.
func validationErr(field string, err error, format string, args ...interface{}) error {
	if err == nil {
		err = ErrInvalidField
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}
