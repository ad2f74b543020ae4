package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	observer       OperationObserver
	reservationTTL time.Duration
	maxAttempts    int
	newID          func() string
	bound          bool
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		reservationTTL: defaultReservationTTL,
		maxAttempts:    defaultMaxAttempts,
		newID:          uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Transact runs fn against a Service bound to a single store transaction.
// Operations invoked on txService neither open nested transactions nor retry on their own;
// a version conflict anywhere in fn re-runs fn as a whole.
func (service *Service) Transact(ctx context.Context, fn func(ctx context.Context, txService *Service) error) error {
	return service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
		return fn(ctx, service.bind(transactionStore))
	})
}

// Store exposes the store the service is bound to.
func (service *Service) Store() Store {
	return service.store
}

// Balance returns a snapshot of the user's balance. Users without a balance row read as zero.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.String() == "" {
		return Balance{}, ErrInvalidUserID
	}
	balance, err := service.store.GetBalance(ctx, userID)
	if errors.Is(err, ErrUnknownBalance) {
		return Balance{UserID: userID}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Reservation returns a stored reservation.
func (service *Service) Reservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	if reservationID.String() == "" {
		return Reservation{}, ErrInvalidReservationID
	}
	return service.store.GetReservation(ctx, reservationID)
}

// Reserve holds estimatedTokens from the available balance.
func (service *Service) Reserve(ctx context.Context, userID UserID, estimatedTokens PositiveTokenAmount, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Reservation, error) {
	var reservation Reservation
	operationError := validateIdentity(userID, idempotencyKey)
	if operationError == nil && estimatedTokens <= 0 {
		operationError = fmt.Errorf("%w: estimate must be greater than zero", ErrInvalidTokenAmount)
	}
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionReserve)
			if err != nil {
				return err
			}
			if found {
				if existing.UserID != userID {
					return ErrIdempotencyKeyReused
				}
				existingID, err := NewReservationID(existing.RefID.String())
				if err != nil {
					return err
				}
				reservation, err = transactionStore.GetReservation(ctx, existingID)
				return err
			}
			balance, err := transactionStore.GetBalance(ctx, userID)
			if errors.Is(err, ErrUnknownBalance) {
				return ErrInsufficientBalance
			}
			if err != nil {
				return err
			}
			if balance.AvailableTokens.Int64() < estimatedTokens.Int64() {
				return ErrInsufficientBalance
			}
			nowUnixUTC := service.nowFn()
			reservationID, err := NewReservationID(service.newID())
			if err != nil {
				return err
			}
			reserved, err := addTokens(balance.ReservedTokens.Int64(), estimatedTokens.Int64())
			if err != nil {
				return err
			}
			updated := balance
			updated.AvailableTokens = balance.AvailableTokens - estimatedTokens.ToTokenAmount()
			updated.ReservedTokens = TokenAmount(reserved)
			if err := service.writeBalance(ctx, transactionStore, balance, updated, nowUnixUTC); err != nil {
				return err
			}
			reservation = Reservation{
				ID:              reservationID,
				UserID:          userID,
				EstimatedTokens: estimatedTokens,
				State:           ReservationStateActive,
				ExpiresUnixUTC:  nowUnixUTC + int64(service.reservationTTL/time.Second),
				CreatedUnixUTC:  nowUnixUTC,
				UpdatedUnixUTC:  nowUnixUTC,
			}
			if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			return transactionStore.InsertTransaction(ctx, service.newTransaction(userID, refFromReservation(reservationID), TransactionReserve, estimatedTokens.Int64(), idempotencyKey, metadata, nowUnixUTC))
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		ReservationID:  reservation.ID,
		Amount:         estimatedTokens.Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Commit settles a reservation: the consumed part is capped at the estimate and the remainder
// returns to the available balance in the same transaction.
func (service *Service) Commit(ctx context.Context, reservationID ReservationID, actualTokens TokenAmount, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CommitResult, error) {
	var (
		result CommitResult
		userID UserID
	)
	operationError := validateReservationRequest(reservationID, idempotencyKey)
	if operationError == nil && actualTokens < 0 {
		operationError = fmt.Errorf("%w: actual tokens must be zero or greater", ErrInvalidTokenAmount)
	}
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			userID = reservation.UserID
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionCommit)
			if err != nil {
				return err
			}
			if found {
				if existing.RefID.String() != reservationID.String() {
					return ErrIdempotencyKeyReused
				}
				result = settledResult(reservation)
				return nil
			}
			if reservation.State != ReservationStateActive {
				return fmt.Errorf("%w: reservation is %s", ErrInvalidState, reservation.State)
			}
			committed, released := applyCapRule(reservation.EstimatedTokens, actualTokens)
			nowUnixUTC := service.nowFn()
			balance, err := transactionStore.GetBalance(ctx, reservation.UserID)
			if err != nil {
				return err
			}
			updated, err := releaseHold(balance, reservation.EstimatedTokens, released)
			if err != nil {
				return err
			}
			if err := service.writeBalance(ctx, transactionStore, balance, updated, nowUnixUTC); err != nil {
				return err
			}
			settled := reservation
			settled.State = ReservationStateCommitted
			settled.CommittedTokens = committed
			settled.UpdatedUnixUTC = nowUnixUTC
			if err := transactionStore.UpdateReservationState(ctx, settled, ReservationStateActive); err != nil {
				return err
			}
			reference := refFromReservation(reservationID)
			if err := transactionStore.InsertTransaction(ctx, service.newTransaction(reservation.UserID, reference, TransactionCommit, committed.Int64(), idempotencyKey, metadata, nowUnixUTC)); err != nil {
				return err
			}
			if released > 0 {
				remainderKey := deriveIdempotencyKey(idempotencyScopeRemainder, idempotencyKey.String())
				if err := transactionStore.InsertTransaction(ctx, service.newTransaction(reservation.UserID, reference, TransactionRelease, released.Int64(), remainderKey, metadata, nowUnixUTC)); err != nil {
					return err
				}
			}
			result = CommitResult{ReservationID: reservationID, CommittedTokens: committed, ReleasedTokens: released}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCommit,
		UserID:         userID,
		ReservationID:  reservationID,
		Amount:         result.CommittedTokens.Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return CommitResult{}, operationError
	}
	return result, nil
}

// Release cancels an ACTIVE reservation and returns the full estimate to the available balance.
// Releasing an already released reservation is a no-op.
func (service *Service) Release(ctx context.Context, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	var (
		userID   UserID
		released int64
	)
	operationError := validateReservationRequest(reservationID, idempotencyKey)
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionRelease)
			if err != nil {
				return err
			}
			if found {
				if existing.RefID.String() != reservationID.String() {
					return ErrIdempotencyKeyReused
				}
				return nil
			}
			reservation, err := transactionStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			userID = reservation.UserID
			if reservation.State == ReservationStateReleased {
				return nil
			}
			if reservation.State != ReservationStateActive {
				return fmt.Errorf("%w: reservation is %s", ErrInvalidState, reservation.State)
			}
			released = reservation.EstimatedTokens.Int64()
			return service.closeReservation(ctx, transactionStore, reservation, ReservationStateReleased, idempotencyKey, metadata)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		UserID:         userID,
		ReservationID:  reservationID,
		Amount:         released,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Expire moves an overdue ACTIVE reservation to EXPIRED and returns its tokens.
// A reservation that already expired is a no-op; one settled by Commit or Release fails with ErrInvalidState.
func (service *Service) Expire(ctx context.Context, reservationID ReservationID) error {
	var (
		userID         UserID
		released       int64
		idempotencyKey IdempotencyKey
	)
	operationError := func() error {
		if reservationID.String() == "" {
			return ErrInvalidReservationID
		}
		idempotencyKey = deriveIdempotencyKey(idempotencyScopeExpire, reservationID.String())
		return service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			userID = reservation.UserID
			if reservation.State == ReservationStateExpired {
				return nil
			}
			if reservation.State != ReservationStateActive {
				return fmt.Errorf("%w: reservation is %s", ErrInvalidState, reservation.State)
			}
			if service.nowFn() < reservation.ExpiresUnixUTC {
				return fmt.Errorf("%w: reservation not yet expired", ErrInvalidState)
			}
			released = reservation.EstimatedTokens.Int64()
			return service.closeReservation(ctx, transactionStore, reservation, ReservationStateExpired, idempotencyKey, MetadataJSON{})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationExpire,
		UserID:         userID,
		ReservationID:  reservationID,
		Amount:         released,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// Credit adds tokens to the available balance, creating the balance on first credit.
// Zero credits are recorded too so renewals leave a complete trail.
func (service *Service) Credit(ctx context.Context, userID UserID, amountTokens TokenAmount, refID RefID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := validateIdentity(userID, idempotencyKey)
	if operationError == nil && refID.String() == "" {
		operationError = ErrInvalidRefID
	}
	if operationError == nil && amountTokens < 0 {
		operationError = fmt.Errorf("%w: credit must be zero or greater", ErrInvalidTokenAmount)
	}
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionCredit)
			if err != nil {
				return err
			}
			if found {
				if existing.UserID != userID {
					return ErrIdempotencyKeyReused
				}
				return nil
			}
			return service.applyDelta(ctx, transactionStore, userID, amountTokens.Int64(), TransactionCredit, refID, idempotencyKey, metadata)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		UserID:         userID,
		RefID:          refID,
		Amount:         amountTokens.Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Adjust applies a signed correction. A debit that would take the available balance below
// zero fails with ErrOverdraftRejected; the caller decides whether to clamp or alert.
func (service *Service) Adjust(ctx context.Context, userID UserID, deltaTokens TokenDelta, refID RefID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := validateIdentity(userID, idempotencyKey)
	if operationError == nil && refID.String() == "" {
		operationError = ErrInvalidRefID
	}
	if operationError == nil && deltaTokens == 0 {
		operationError = fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidTokenAmount)
	}
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionAdjustment)
			if err != nil {
				return err
			}
			if found {
				if existing.UserID != userID {
					return ErrIdempotencyKeyReused
				}
				return nil
			}
			return service.applyDelta(ctx, transactionStore, userID, deltaTokens.Int64(), TransactionAdjustment, refID, idempotencyKey, metadata)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		UserID:         userID,
		RefID:          refID,
		Amount:         deltaTokens.Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

func (service *Service) transact(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	if service.bound {
		return fn(ctx, service.store)
	}
	return retryOnConflict(ctx, service.maxAttempts, func() error {
		return service.store.WithTx(ctx, fn)
	})
}

func (service *Service) bind(transactionStore Store) *Service {
	bound := *service
	bound.store = transactionStore
	bound.bound = true
	return &bound
}

// applyDelta moves the available balance by delta and appends the matching transaction.
func (service *Service) applyDelta(ctx context.Context, transactionStore Store, userID UserID, delta int64, transactionType TransactionType, refID RefID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	nowUnixUTC := service.nowFn()
	balance, err := transactionStore.GetBalance(ctx, userID)
	switch {
	case errors.Is(err, ErrUnknownBalance):
		if delta < 0 {
			return ErrOverdraftRejected
		}
		created := Balance{
			UserID:          userID,
			AvailableTokens: TokenAmount(delta),
			Version:         1,
			CreatedUnixUTC:  nowUnixUTC,
			UpdatedUnixUTC:  nowUnixUTC,
		}
		if err := transactionStore.CreateBalance(ctx, created); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		available, err := addTokens(balance.AvailableTokens.Int64(), delta)
		if err != nil {
			return err
		}
		if available < 0 {
			return ErrOverdraftRejected
		}
		if _, err := addTokens(balance.ReservedTokens.Int64(), available); err != nil {
			return err
		}
		updated := balance
		updated.AvailableTokens = TokenAmount(available)
		if err := service.writeBalance(ctx, transactionStore, balance, updated, nowUnixUTC); err != nil {
			return err
		}
	}
	return transactionStore.InsertTransaction(ctx, service.newTransaction(userID, refID, transactionType, delta, idempotencyKey, metadata, nowUnixUTC))
}

func (service *Service) closeReservation(ctx context.Context, transactionStore Store, reservation Reservation, to ReservationState, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	nowUnixUTC := service.nowFn()
	balance, err := transactionStore.GetBalance(ctx, reservation.UserID)
	if err != nil {
		return err
	}
	updated, err := releaseHold(balance, reservation.EstimatedTokens, reservation.EstimatedTokens.ToTokenAmount())
	if err != nil {
		return err
	}
	if err := service.writeBalance(ctx, transactionStore, balance, updated, nowUnixUTC); err != nil {
		return err
	}
	closed := reservation
	closed.State = to
	closed.UpdatedUnixUTC = nowUnixUTC
	if err := transactionStore.UpdateReservationState(ctx, closed, ReservationStateActive); err != nil {
		return err
	}
	return transactionStore.InsertTransaction(ctx, service.newTransaction(reservation.UserID, refFromReservation(reservation.ID), TransactionRelease, reservation.EstimatedTokens.Int64(), idempotencyKey, metadata, nowUnixUTC))
}

func (service *Service) writeBalance(ctx context.Context, transactionStore Store, current Balance, updated Balance, nowUnixUTC int64) error {
	if updated.AvailableTokens < 0 || updated.ReservedTokens < 0 {
		return WrapError("service", "balance", "negative", ErrInvalidBalance)
	}
	updated.Version = current.Version + 1
	updated.UpdatedUnixUTC = nowUnixUTC
	return transactionStore.UpdateBalance(ctx, updated, current.Version)
}

func (service *Service) newTransaction(userID UserID, refID RefID, transactionType TransactionType, amount int64, idempotencyKey IdempotencyKey, metadata MetadataJSON, nowUnixUTC int64) TokenTransaction {
	return TokenTransaction{
		ID:             service.newID(),
		UserID:         userID,
		RefID:          refID,
		Type:           transactionType,
		AmountTokens:   amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	if service.observer != nil {
		service.observer.ObserveOperation(entry.Operation, entry.Status)
	}
	if service.logger == nil {
		return
	}
	service.logger.LogOperation(ctx, entry)
}

func findTransaction(ctx context.Context, transactionStore Store, idempotencyKey IdempotencyKey, transactionType TransactionType) (TokenTransaction, bool, error) {
	transaction, err := transactionStore.FindTransaction(ctx, idempotencyKey, transactionType)
	if errors.Is(err, ErrUnknownTransaction) {
		return TokenTransaction{}, false, nil
	}
	if err != nil {
		return TokenTransaction{}, false, err
	}
	return transaction, true, nil
}

// addTokens fails instead of wrapping past math.MaxInt64. Keeping available plus reserved in
// range on every credit also bounds the moves between the two.
func addTokens(current int64, delta int64) (int64, error) {
	if delta > 0 && current > math.MaxInt64-delta {
		return 0, fmt.Errorf("%w: balance would exceed %d tokens", ErrInvalidTokenAmount, int64(math.MaxInt64))
	}
	return current + delta, nil
}

// applyCapRule never commits more than was reserved.
func applyCapRule(estimated PositiveTokenAmount, actual TokenAmount) (committed TokenAmount, released TokenAmount) {
	committed = actual
	if committed > estimated.ToTokenAmount() {
		committed = estimated.ToTokenAmount()
	}
	return committed, estimated.ToTokenAmount() - committed
}

func releaseHold(balance Balance, estimated PositiveTokenAmount, released TokenAmount) (Balance, error) {
	if balance.ReservedTokens < estimated.ToTokenAmount() {
		return Balance{}, WrapError("service", "balance", "reserved_underflow", ErrInvalidBalance)
	}
	updated := balance
	updated.ReservedTokens = balance.ReservedTokens - estimated.ToTokenAmount()
	updated.AvailableTokens = balance.AvailableTokens + released
	return updated, nil
}

func settledResult(reservation Reservation) CommitResult {
	return CommitResult{
		ReservationID:   reservation.ID,
		CommittedTokens: reservation.CommittedTokens,
		ReleasedTokens:  reservation.EstimatedTokens.ToTokenAmount() - reservation.CommittedTokens,
	}
}

func refFromReservation(reservationID ReservationID) RefID {
	return RefID{value: reservationID.String()}
}

// deriveIdempotencyKey builds "@scope:base". Caller keys cannot start with "@", so derived
// rows never collide with caller rows of the same transaction type.
func deriveIdempotencyKey(scope string, base string) IdempotencyKey {
	return IdempotencyKey{value: reservedKeyPrefix + scope + idempotencyKeyDelimiter + base}
}

func validateIdentity(userID UserID, idempotencyKey IdempotencyKey) error {
	if userID.String() == "" {
		return ErrInvalidUserID
	}
	if idempotencyKey.String() == "" {
		return ErrInvalidIdempotencyKey
	}
	return nil
}

func validateReservationRequest(reservationID ReservationID, idempotencyKey IdempotencyKey) error {
	if reservationID.String() == "" {
		return ErrInvalidReservationID
	}
	if idempotencyKey.String() == "" {
		return ErrInvalidIdempotencyKey
	}
	return nil
}
