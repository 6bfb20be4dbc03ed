package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrDuplicateSourcePayment = errors.New("duplicate source payment")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmount          = errors.New("invalid credit amount")
	ErrInvalidEntryType       = errors.New("invalid entry type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidSourcePaymentID = errors.New("invalid source payment id")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrUnknownUser            = errors.New("unknown user")
)

// InsufficientCreditsError reports a rejected debit with the figures the
// caller needs to render a purchase prompt.
type InsufficientCreditsError struct {
	Required  int64
	Current   int64
	Shortfall int64
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, current %d, shortfall %d",
		insufficientError.Required, insufficientError.Current, insufficientError.Shortfall)
}

// Is matches the ErrInsufficientCredits sentinel so callers can use errors.Is.
func (insufficientError *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// NewInsufficientCreditsError builds the structured error from the attempted
// debit and the balance at decision time.
func NewInsufficientCreditsError(required int64, current int64) *InsufficientCreditsError {
	return &InsufficientCreditsError{
		Required:  required,
		Current:   current,
		Shortfall: required - current,
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
