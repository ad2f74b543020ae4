package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrInvalidState             = errors.New("invalid reservation state")
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")
	ErrOverdraftRejected        = errors.New("overdraft rejected")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrUnknownBalance           = errors.New("unknown balance")
	ErrUnknownPurchase          = errors.New("unknown purchase")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrDuplicateEvent           = errors.New("duplicate event")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrPurchaseExists           = errors.New("purchase already exists")
	ErrVersionConflict          = errors.New("version conflict")
	ErrIdempotencyKeyReused     = errors.New("idempotency key reused for a different target")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidRefID             = errors.New("invalid ref id")
	ErrInvalidTokenAmount       = errors.New("invalid token amount")
	ErrInvalidReservationState  = errors.New("invalid reservation state value")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidPurchase          = errors.New("invalid purchase")
)

// OperationError tags a store or service failure with "operation.subject.code" so callers can
// log a stable identifier while still matching the wrapped sentinel with errors.Is.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation, Subject and Code expose the segments of the tag.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

func (operationError OperationError) Subject() string {
	return operationError.subject
}

func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError returns nil for a nil err.
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
