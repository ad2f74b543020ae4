package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationObserver counts operations by name and status.
type OperationObserver interface {
	ObserveOperation(operation string, status string)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	ReservationID  ReservationID
	RefID          RefID
	Amount         int64
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithOperationObserver wires an operation counter.
func WithOperationObserver(observer OperationObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}

// WithReservationTTL overrides how long a reservation stays ACTIVE before the sweep may expire it.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.reservationTTL = ttl
		}
	}
}

// WithMaxAttempts bounds the optimistic-concurrency retries per operation.
func WithMaxAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxAttempts = attempts
		}
	}
}

// WithIDGenerator replaces the UUID generator used for reservation and transaction ids.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}
