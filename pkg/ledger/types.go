package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenAmount is a non-negative token count.
type TokenAmount int64

// PositiveTokenAmount is a strictly positive token count.
type PositiveTokenAmount int64

// TokenDelta is a signed token change used by adjustments.
type TokenDelta int64

// UserID identifies a token balance owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// RefID references the business object behind a transaction: a reservation, a checkout
// session, an invoice, a refund or a dispute.
type RefID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewTokenAmount validates a non-negative token count.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidTokenAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 returns the raw token count.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// NewPositiveTokenAmount validates a strictly positive token count.
func NewPositiveTokenAmount(raw int64) (PositiveTokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return PositiveTokenAmount(raw), nil
}

// Int64 returns the raw token count.
func (amount PositiveTokenAmount) Int64() int64 {
	return int64(amount)
}

// ToTokenAmount widens the positive amount.
func (amount PositiveTokenAmount) ToTokenAmount() TokenAmount {
	return TokenAmount(amount)
}

// NewTokenDelta validates a non-zero signed token change.
func NewTokenDelta(raw int64) (TokenDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidTokenAmount)
	}
	return TokenDelta(raw), nil
}

// Int64 returns the raw signed value.
func (delta TokenDelta) Int64() int64 {
	return int64(delta)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes a caller-supplied idempotency key.
// Keys starting with the reserved prefix "@" belong to keys the ledger derives itself.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	key, err := ParseStoredIdempotencyKey(raw)
	if err != nil {
		return IdempotencyKey{}, err
	}
	if strings.HasPrefix(key.value, reservedKeyPrefix) {
		return IdempotencyKey{}, fmt.Errorf("%w: prefix %q is reserved", ErrInvalidIdempotencyKey, reservedKeyPrefix)
	}
	return key, nil
}

// ParseStoredIdempotencyKey validates a key read back from a store, derived keys included.
func ParseStoredIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewRefID validates and normalizes a reference id.
func NewRefID(raw string) (RefID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RefID{}, fmt.Errorf("%w: empty value", ErrInvalidRefID)
	}
	return RefID{value: trimmed}, nil
}

// String returns the normalized reference.
func (id RefID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// ReservationState defines the reservation lifecycle.
type ReservationState string

const (
	ReservationStateActive    ReservationState = "ACTIVE"
	ReservationStateCommitted ReservationState = "COMMITTED"
	ReservationStateReleased  ReservationState = "RELEASED"
	ReservationStateExpired   ReservationState = "EXPIRED"
)

// ParseReservationState validates a stored state.
func ParseReservationState(raw string) (ReservationState, error) {
	state := ReservationState(strings.ToUpper(strings.TrimSpace(raw)))
	switch state {
	case ReservationStateActive, ReservationStateCommitted, ReservationStateReleased, ReservationStateExpired:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationState, raw)
	}
}

// String returns the state name.
func (state ReservationState) String() string {
	return string(state)
}

// Terminal reports whether no further transition is allowed.
func (state ReservationState) Terminal() bool {
	return state != ReservationStateActive
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionReserve    TransactionType = "RESERVE"
	TransactionCommit     TransactionType = "COMMIT"
	TransactionRelease    TransactionType = "RELEASE"
	TransactionCredit     TransactionType = "CREDIT"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch transactionType {
	case TransactionReserve, TransactionCommit, TransactionRelease, TransactionCredit, TransactionAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Balance is the per-user token balance row.
type Balance struct {
	UserID          UserID
	AvailableTokens TokenAmount
	ReservedTokens  TokenAmount
	Version         int64
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// TotalTokens returns available plus reserved tokens.
func (balance Balance) TotalTokens() int64 {
	return balance.AvailableTokens.Int64() + balance.ReservedTokens.Int64()
}

// Reservation is a hold on tokens for work not yet completed.
type Reservation struct {
	ID              ReservationID
	UserID          UserID
	EstimatedTokens PositiveTokenAmount
	CommittedTokens TokenAmount
	State           ReservationState
	ExpiresUnixUTC  int64
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// TokenTransaction is an immutable ledger line.
type TokenTransaction struct {
	ID             string
	UserID         UserID
	RefID          RefID
	Type           TransactionType
	AmountTokens   int64
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// ProcessedEvent marks a payment-provider event whose effects have been applied.
type ProcessedEvent struct {
	EventID          string
	EventType        string
	ProcessedUnixUTC int64
}

// Purchase records the tokens credited for one payment so refunds can be capped.
type Purchase struct {
	PaymentRef          string
	UserID              UserID
	SourceID            string
	AmountCents         int64
	CreditedTokens      TokenAmount
	RefundedAmountCents int64
	RefundedTokens      TokenAmount
	Version             int64
	CreatedUnixUTC      int64
	UpdatedUnixUTC      int64
}

// RemainingTokens returns tokens that can still be reversed.
func (purchase Purchase) RemainingTokens() int64 {
	remaining := purchase.CreditedTokens.Int64() - purchase.RefundedTokens.Int64()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CommitResult reports how a reservation was settled.
type CommitResult struct {
	ReservationID   ReservationID
	CommittedTokens TokenAmount
	ReleasedTokens  TokenAmount
}

// Reversal reports the token effect of a refund or dispute.
type Reversal struct {
	PaymentRef      string
	UserID          UserID
	RequestedTokens int64
	DebitedTokens   int64
	ShortfallTokens int64
	Replayed        bool
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	CreateBalance(ctx context.Context, balance Balance) error
	UpdateBalance(ctx context.Context, balance Balance, expectedVersion int64) error

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	UpdateReservationState(ctx context.Context, reservation Reservation, from ReservationState) error
	ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error)

	InsertTransaction(ctx context.Context, transaction TokenTransaction) error
	FindTransaction(ctx context.Context, idempotencyKey IdempotencyKey, transactionType TransactionType) (TokenTransaction, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]TokenTransaction, error)

	InsertProcessedEvent(ctx context.Context, event ProcessedEvent) error
	ProcessedEventExists(ctx context.Context, eventID string) (bool, error)

	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetPurchase(ctx context.Context, paymentRef string) (Purchase, error)
	UpdatePurchase(ctx context.Context, purchase Purchase, expectedVersion int64) error
}
