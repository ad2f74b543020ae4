// Package logging adapts ledger and webhook logging hooks to zap.
package logging

import (
	"context"
	"errors"
	"sync"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger writes ledger operation entries with zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount),
	}
	if value := entry.UserID.String(); value != "" {
		fields = append(fields, zap.String("user_id", value))
	}
	if value := entry.ReservationID.String(); value != "" {
		fields = append(fields, zap.String("reservation_id", value))
	}
	if value := entry.RefID.String(); value != "" {
		fields = append(fields, zap.String("ref_id", value))
	}
	if value := entry.IdempotencyKey.String(); value != "" {
		fields = append(fields, zap.String("idempotency_key", value))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	if isBusinessRejection(entry.Error) {
		operationLogger.logger.Info("ledger operation rejected", fields...)
		return
	}
	operationLogger.logger.Error("ledger operation failed", fields...)
}

// isBusinessRejection reports errors that describe the caller's request rather than a fault.
func isBusinessRejection(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrInvalidState) ||
		errors.Is(err, ledger.ErrOverdraftRejected) ||
		errors.Is(err, ledger.ErrIdempotencyKeyReused) ||
		errors.Is(err, ledger.ErrUnknownReservation)
}

// Scope accumulates key/value context for one webhook request.
type Scope struct {
	mu     sync.Mutex
	base   *zap.Logger
	keys   []string
	values map[string]string
}

// NewScope returns an empty Scope writing through base.
func NewScope(base *zap.Logger) *Scope {
	if base == nil {
		base = zap.NewNop()
	}
	return &Scope{base: base, values: make(map[string]string)}
}

// Put sets key to value. Empty values are ignored.
func (scope *Scope) Put(key string, value string) {
	if key == "" || value == "" {
		return
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if _, exists := scope.values[key]; !exists {
		scope.keys = append(scope.keys, key)
	}
	scope.values[key] = value
}

// Get returns the value stored for key.
func (scope *Scope) Get(key string) (string, bool) {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	value, ok := scope.values[key]
	return value, ok
}

// Len reports how many keys are set.
func (scope *Scope) Len() int {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	return len(scope.keys)
}

// Clear drops every key.
func (scope *Scope) Clear() {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.keys = nil
	scope.values = make(map[string]string)
}

// Logger returns base enriched with the current keys, in insertion order.
func (scope *Scope) Logger() *zap.Logger {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	fields := make([]zap.Field, 0, len(scope.keys))
	for _, key := range scope.keys {
		fields = append(fields, zap.String(key, scope.values[key]))
	}
	return scope.base.With(fields...)
}
