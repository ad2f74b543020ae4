package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBalancePrimary         = "token_balances_pkey"
	constraintReservationPrimary     = "token_reservations_pkey"
	constraintTransactionIdempotency = "uniq_token_transactions_idempotency"
	constraintProcessedEventPrimary  = "processed_events_pkey"
	constraintPurchasePrimary        = "token_purchases_pkey"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintPrimaryKey       = 1555
	sqliteConstraintUnique           = 2067
	errorOperationStore              = "store"
	errorSubjectBalance              = "balance"
	errorSubjectReservation          = "reservation"
	errorSubjectTransaction          = "transaction"
	errorSubjectEvent                = "event"
	errorSubjectPurchase             = "purchase"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeUpdate                  = "update"
	errorCodeUpdateState             = "update_state"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the ledger tables. PostgreSQL deployments use the goose migrations instead.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var model TokenBalance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUnknownBalance)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapBalance(model)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	model := TokenBalance{
		UserID:          balance.UserID.String(),
		AvailableTokens: balance.AvailableTokens.Int64(),
		ReservedTokens:  balance.ReservedTokens.Int64(),
		Version:         balance.Version,
		CreatedAt:       unixTime(balance.CreatedUnixUTC),
		UpdatedAt:       unixTime(balance.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, ledger.ErrVersionConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, balance ledger.Balance, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&TokenBalance{}).
		Where("user_id = ? AND version = ?", balance.UserID.String(), expectedVersion).
		Updates(map[string]any{
			"available_tokens": balance.AvailableTokens.Int64(),
			"reserved_tokens":  balance.ReservedTokens.Int64(),
			"version":          balance.Version,
			"updated_at":       unixTime(balance.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := TokenReservation{
		ReservationID:   reservation.ID.String(),
		UserID:          reservation.UserID.String(),
		EstimatedTokens: reservation.EstimatedTokens.Int64(),
		CommittedTokens: reservation.CommittedTokens.Int64(),
		State:           reservation.State.String(),
		ExpiresAt:       unixTime(reservation.ExpiresUnixUTC),
		CreatedAt:       unixTime(reservation.CreatedUnixUTC),
		UpdatedAt:       unixTime(reservation.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var model TokenReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationState(ctx context.Context, reservation ledger.Reservation, from ledger.ReservationState) error {
	result := store.db.WithContext(ctx).
		Model(&TokenReservation{}).
		Where("reservation_id = ? AND state = ?", reservation.ID.String(), from.String()).
		Updates(map[string]any{
			"state":            reservation.State.String(),
			"committed_tokens": reservation.CommittedTokens.Int64(),
			"updated_at":       unixTime(reservation.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, ledger.ErrInvalidState)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	var rows []TokenReservation
	err := store.db.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", ledger.ReservationStateActive.String(), unixTime(atUnixUTC)).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.TokenTransaction) error {
	model := TokenTransaction{
		TransactionID:  transaction.ID,
		UserID:         transaction.UserID.String(),
		RefID:          transaction.RefID.String(),
		Type:           transaction.Type.String(),
		AmountTokens:   transaction.AmountTokens,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       datatypesJSON(transaction.Metadata.String()),
		CreatedAt:      unixTime(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionIdempotency) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, idempotencyKey ledger.IdempotencyKey, transactionType ledger.TransactionType) (ledger.TokenTransaction, error) {
	var model TokenTransaction
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND type = ?", idempotencyKey.String(), transactionType.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.TokenTransaction, error) {
	before := unixTime(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []TokenTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.TokenTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) InsertProcessedEvent(ctx context.Context, event ledger.ProcessedEvent) error {
	model := ProcessedEvent{
		EventID:     event.EventID,
		EventType:   event.EventType,
		ProcessedAt: unixTime(event.ProcessedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintProcessedEventPrimary) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ProcessedEventExists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&ProcessedEvent{}).Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase ledger.Purchase) error {
	model := TokenPurchase{
		PaymentRef:          purchase.PaymentRef,
		UserID:              purchase.UserID.String(),
		SourceID:            purchase.SourceID,
		AmountCents:         purchase.AmountCents,
		CreditedTokens:      purchase.CreditedTokens.Int64(),
		RefundedAmountCents: purchase.RefundedAmountCents,
		RefundedTokens:      purchase.RefundedTokens.Int64(),
		Version:             purchase.Version,
		CreatedAt:           unixTime(purchase.CreatedUnixUTC),
		UpdatedAt:           unixTime(purchase.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPurchasePrimary) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrPurchaseExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, paymentRef string) (ledger.Purchase, error) {
	var model TokenPurchase
	err := store.db.WithContext(ctx).Where("payment_ref = ?", paymentRef).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, ledger.ErrUnknownPurchase)
		}
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase, err := mapPurchase(model)
	if err != nil {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase, nil
}

func (store *Store) UpdatePurchase(ctx context.Context, purchase ledger.Purchase, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&TokenPurchase{}).
		Where("payment_ref = ? AND version = ?", purchase.PaymentRef, expectedVersion).
		Updates(map[string]any{
			"refunded_amount_cents": purchase.RefundedAmountCents,
			"refunded_tokens":       purchase.RefundedTokens.Int64(),
			"version":               purchase.Version,
			"updated_at":            unixTime(purchase.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row TokenBalance) (ledger.Balance, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Balance{}, err
	}
	available, err := ledger.NewTokenAmount(row.AvailableTokens)
	if err != nil {
		return ledger.Balance{}, err
	}
	reserved, err := ledger.NewTokenAmount(row.ReservedTokens)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		UserID:          userID,
		AvailableTokens: available,
		ReservedTokens:  reserved,
		Version:         row.Version,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
		UpdatedUnixUTC:  row.UpdatedAt.Unix(),
	}, nil
}

func mapReservation(row TokenReservation) (ledger.Reservation, error) {
	reservationID, err := ledger.NewReservationID(row.ReservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	estimated, err := ledger.NewPositiveTokenAmount(row.EstimatedTokens)
	if err != nil {
		return ledger.Reservation{}, err
	}
	committed, err := ledger.NewTokenAmount(row.CommittedTokens)
	if err != nil {
		return ledger.Reservation{}, err
	}
	state, err := ledger.ParseReservationState(row.State)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ID:              reservationID,
		UserID:          userID,
		EstimatedTokens: estimated,
		CommittedTokens: committed,
		State:           state,
		ExpiresUnixUTC:  row.ExpiresAt.Unix(),
		CreatedUnixUTC:  row.CreatedAt.Unix(),
		UpdatedUnixUTC:  row.UpdatedAt.Unix(),
	}, nil
}

func mapTransaction(row TokenTransaction) (ledger.TokenTransaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	refID, err := ledger.NewRefID(row.RefID)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	idempotencyKey, err := ledger.ParseStoredIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	return ledger.TokenTransaction{
		ID:             row.TransactionID,
		UserID:         userID,
		RefID:          refID,
		Type:           transactionType,
		AmountTokens:   row.AmountTokens,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(row TokenPurchase) (ledger.Purchase, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	credited, err := ledger.NewTokenAmount(row.CreditedTokens)
	if err != nil {
		return ledger.Purchase{}, err
	}
	refunded, err := ledger.NewTokenAmount(row.RefundedTokens)
	if err != nil {
		return ledger.Purchase{}, err
	}
	return ledger.Purchase{
		PaymentRef:          row.PaymentRef,
		UserID:              userID,
		SourceID:            row.SourceID,
		AmountCents:         row.AmountCents,
		CreditedTokens:      credited,
		RefundedAmountCents: row.RefundedAmountCents,
		RefundedTokens:      refunded,
		Version:             row.Version,
		CreatedUnixUTC:      row.CreatedAt.Unix(),
		UpdatedUnixUTC:      row.UpdatedAt.Unix(),
	}, nil
}

func unixTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// sqliteConstraintCodes maps each constraint to the extended result code SQLite reports for it.
// SQLite does not name the violated index, so the code is what tells a duplicate primary key
// from a duplicate idempotency key.
var sqliteConstraintCodes = map[string]int{
	constraintBalancePrimary:         sqliteConstraintPrimaryKey,
	constraintReservationPrimary:     sqliteConstraintPrimaryKey,
	constraintTransactionIdempotency: sqliteConstraintUnique,
	constraintProcessedEventPrimary:  sqliteConstraintPrimaryKey,
	constraintPurchasePrimary:        sqliteConstraintPrimaryKey,
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		expected, known := sqliteConstraintCodes[constraintName]
		return known && sqliteErr.Code() == expected
	}
	return false
}
