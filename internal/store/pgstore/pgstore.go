package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintBalancePrimary         = "token_balances_pkey"
	constraintReservationPrimary     = "token_reservations_pkey"
	constraintTransactionIdempotency = "uniq_token_transactions_idempotency"
	constraintProcessedEventPrimary  = "processed_events_pkey"
	constraintPurchasePrimary        = "token_purchases_pkey"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectBalance              = "balance"
	errorSubjectReservation          = "reservation"
	errorSubjectTransaction          = "transaction"
	errorSubjectEvent                = "event"
	errorSubjectPurchase             = "purchase"
	errorSubjectDatabase             = "database"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeUpdate                  = "update"
	errorCodeUpdateState             = "update_state"

	sqlSelectBalance = `
		select user_id, available_tokens, reserved_tokens, version,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from token_balances
		where user_id = $1
	`

	sqlInsertBalance = `
		insert into token_balances(user_id, available_tokens, reserved_tokens, version, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), to_timestamp($6))
	`

	sqlUpdateBalance = `
		update token_balances
		set available_tokens = $2, reserved_tokens = $3, version = $4, updated_at = to_timestamp($5)
		where user_id = $1 and version = $6
	`

	sqlInsertReservation = `
		insert into token_reservations(
			reservation_id, user_id, estimated_tokens, committed_tokens, state, expires_at, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($7), to_timestamp($8))
	`

	sqlReservationColumns = `
		select reservation_id, user_id, estimated_tokens, committed_tokens, state,
			extract(epoch from expires_at)::bigint,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from token_reservations
	`

	sqlSelectReservation = sqlReservationColumns + `
		where reservation_id = $1
		for update
	`

	sqlListExpiredReservations = sqlReservationColumns + `
		where state = 'ACTIVE' and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
	`

	sqlUpdateReservationState = `
		update token_reservations
		set state = $3, committed_tokens = $4, updated_at = to_timestamp($5)
		where reservation_id = $1 and state = $2
	`

	sqlInsertTransaction = `
		insert into token_transactions(
			transaction_id, user_id, ref_id, type, amount_tokens, idempotency_key, metadata, created_at
		)
		values ($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
	`

	sqlTransactionColumns = `
		select transaction_id, user_id, ref_id, type, amount_tokens, idempotency_key,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from token_transactions
	`

	sqlSelectTransaction = sqlTransactionColumns + `
		where idempotency_key = $1 and type = $2
	`

	sqlListTransactionsBefore = sqlTransactionColumns + `
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertProcessedEvent = `
		insert into processed_events(event_id, event_type, processed_at)
		values ($1, $2, to_timestamp($3))
	`

	sqlProcessedEventExists = `
		select exists(select 1 from processed_events where event_id = $1)
	`

	sqlInsertPurchase = `
		insert into token_purchases(
			payment_ref, user_id, source_id, amount_cents, credited_tokens,
			refunded_amount_cents, refunded_tokens, version, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9), to_timestamp($10))
	`

	sqlSelectPurchase = `
		select payment_ref, user_id, source_id, amount_cents, credited_tokens,
			refunded_amount_cents, refunded_tokens, version,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from token_purchases
		where payment_ref = $1
	`

	sqlUpdatePurchase = `
		update token_purchases
		set refunded_amount_cents = $2, refunded_tokens = $3, version = $4, updated_at = to_timestamp($5)
		where payment_ref = $1 and version = $6
	`
)

// querier is the subset shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx every statement autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodeBegin, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodeCommit, err)
	}
	committed = true
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var row balanceRow
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(
		&row.userID, &row.available, &row.reserved, &row.version, &row.createdUnixUTC, &row.updatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUnknownBalance)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := row.toBalance()
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	_, err := store.db.Exec(ctx, sqlInsertBalance,
		balance.UserID.String(),
		balance.AvailableTokens.Int64(),
		balance.ReservedTokens.Int64(),
		balance.Version,
		balance.CreatedUnixUTC,
		balance.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, ledger.ErrVersionConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, balance ledger.Balance, expectedVersion int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		balance.UserID.String(),
		balance.AvailableTokens.Int64(),
		balance.ReservedTokens.Int64(),
		balance.Version,
		balance.UpdatedUnixUTC,
		expectedVersion,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ID.String(),
		reservation.UserID.String(),
		reservation.EstimatedTokens.Int64(),
		reservation.CommittedTokens.Int64(),
		reservation.State.String(),
		reservation.ExpiresUnixUTC,
		reservation.CreatedUnixUTC,
		reservation.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	row, err := scanReservation(store.db.QueryRow(ctx, sqlSelectReservation, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := row.toReservation()
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationState(ctx context.Context, reservation ledger.Reservation, from ledger.ReservationState) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationState,
		reservation.ID.String(),
		from.String(),
		reservation.State.String(),
		reservation.CommittedTokens.Int64(),
		reservation.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, ledger.ErrInvalidState)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredReservations, atUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	reservations := make([]ledger.Reservation, 0, limit)
	for rows.Next() {
		row, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
		}
		reservation, err := row.toReservation()
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.TokenTransaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.UserID.String(),
		transaction.RefID.String(),
		transaction.Type.String(),
		transaction.AmountTokens,
		transaction.IdempotencyKey.String(),
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintTransactionIdempotency) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, idempotencyKey ledger.IdempotencyKey, transactionType ledger.TransactionType) (ledger.TokenTransaction, error) {
	row, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, idempotencyKey.String(), transactionType.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := row.toTransaction()
	if err != nil {
		return ledger.TokenTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.TokenTransaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]ledger.TokenTransaction, 0, limit)
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transaction, err := row.toTransaction()
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) InsertProcessedEvent(ctx context.Context, event ledger.ProcessedEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertProcessedEvent, event.EventID, event.EventType, event.ProcessedUnixUTC)
	if isUniqueViolation(err, constraintProcessedEventPrimary) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ProcessedEventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlProcessedEventExists, eventID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return exists, nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase ledger.Purchase) error {
	_, err := store.db.Exec(ctx, sqlInsertPurchase,
		purchase.PaymentRef,
		purchase.UserID.String(),
		purchase.SourceID,
		purchase.AmountCents,
		purchase.CreditedTokens.Int64(),
		purchase.RefundedAmountCents,
		purchase.RefundedTokens.Int64(),
		purchase.Version,
		purchase.CreatedUnixUTC,
		purchase.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintPurchasePrimary) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrPurchaseExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, paymentRef string) (ledger.Purchase, error) {
	var row purchaseRow
	err := store.db.QueryRow(ctx, sqlSelectPurchase, paymentRef).Scan(
		&row.paymentRef, &row.userID, &row.sourceID, &row.amountCents, &row.creditedTokens,
		&row.refundedAmountCents, &row.refundedTokens, &row.version, &row.createdUnixUTC, &row.updatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, ledger.ErrUnknownPurchase)
		}
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase, err := row.toPurchase()
	if err != nil {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase, nil
}

func (store *Store) UpdatePurchase(ctx context.Context, purchase ledger.Purchase, expectedVersion int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePurchase,
		purchase.PaymentRef,
		purchase.RefundedAmountCents,
		purchase.RefundedTokens.Int64(),
		purchase.Version,
		purchase.UpdatedUnixUTC,
		expectedVersion,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
