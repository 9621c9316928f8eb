package orders

import (
	"errors"
	"fmt"
)

// ValidationError rejects a decision before any network call is made.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid decision: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExchangeRejectionError marks an order the exchange refused. The decision
// that produced it fails; sibling decisions in the cycle continue.
type ExchangeRejectionError struct {
	Op  string
	Err error
}

func (e *ExchangeRejectionError) Error() string {
	return fmt.Sprintf("exchange rejected %s: %v", e.Op, e.Err)
}

func (e *ExchangeRejectionError) Unwrap() error {
	return e.Err
}

// IsExchangeRejection reports whether err is (or wraps) an ExchangeRejectionError.
func IsExchangeRejection(err error) bool {
	var re *ExchangeRejectionError
	return errors.As(err, &re)
}
