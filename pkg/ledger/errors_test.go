package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "gormstore"
	subjectName      = "purchase"
	codeName         = "update"
	baseErrorMessage = "connection reset"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrappedError)
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
}

func TestWrapErrorKeepsSentinelsRetryable(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError(operationName, subjectName, codeName, ErrVersionConflict)
	if !errors.Is(wrappedError, ErrVersionConflict) {
		test.Fatalf("expected wrapped sentinel to match, got %v", wrappedError)
	}
	if !isRetryableConflict(wrappedError) {
		test.Fatalf("expected wrapped version conflict to be retried")
	}
	if isRetryableConflict(WrapError(operationName, subjectName, codeName, ErrInsufficientBalance)) {
		test.Fatalf("expected business rejection not to be retried")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}
