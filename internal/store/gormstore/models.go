package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// TokenBalance mirrors the token_balances table.
type TokenBalance struct {
	UserID          string    `gorm:"primaryKey"`
	AvailableTokens int64     `gorm:"not null"`
	ReservedTokens  int64     `gorm:"not null"`
	Version         int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (TokenBalance) TableName() string { return "token_balances" }

// TokenReservation mirrors the token_reservations table.
type TokenReservation struct {
	ReservationID   string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;index:idx_token_reservations_user"`
	EstimatedTokens int64     `gorm:"not null"`
	CommittedTokens int64     `gorm:"not null"`
	State           string    `gorm:"not null;index:idx_token_reservations_state_expires,priority:1"`
	ExpiresAt       time.Time `gorm:"not null;index:idx_token_reservations_state_expires,priority:2"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (TokenReservation) TableName() string { return "token_reservations" }

// TokenTransaction mirrors the token_transactions table.
type TokenTransaction struct {
	TransactionID  string         `gorm:"primaryKey"`
	UserID         string         `gorm:"not null;index:idx_token_transactions_user_created,priority:1"`
	RefID          string         `gorm:"not null;index:idx_token_transactions_ref"`
	Type           string         `gorm:"not null;uniqueIndex:uniq_token_transactions_idempotency,priority:2"`
	AmountTokens   int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_token_transactions_idempotency,priority:1"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime:false;index:idx_token_transactions_user_created,priority:2"`
}

func (TokenTransaction) TableName() string { return "token_transactions" }

// ProcessedEvent mirrors the processed_events table.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey"`
	EventType   string    `gorm:"not null"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// TokenPurchase mirrors the token_purchases table.
type TokenPurchase struct {
	PaymentRef          string    `gorm:"primaryKey"`
	UserID              string    `gorm:"not null;index:idx_token_purchases_user"`
	SourceID            string    `gorm:"not null"`
	AmountCents         int64     `gorm:"not null"`
	CreditedTokens      int64     `gorm:"not null"`
	RefundedAmountCents int64     `gorm:"not null"`
	RefundedTokens      int64     `gorm:"not null"`
	Version             int64     `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (TokenPurchase) TableName() string { return "token_purchases" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&TokenBalance{}, &TokenReservation{}, &TokenTransaction{}, &ProcessedEvent{}, &TokenPurchase{}}
}
