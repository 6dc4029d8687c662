package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDuplicateReservation     = errors.New("duplicate reservation")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrDuplicateJobEntry        = errors.New("duplicate job entry")
	ErrUnknownAccount           = errors.New("unknown account")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidJobID             = errors.New("invalid job id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidEntry             = errors.New("invalid entry")
	ErrInvalidEntryKind         = errors.New("invalid entry kind")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidListLimit         = errors.New("invalid list limit")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")
)

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
