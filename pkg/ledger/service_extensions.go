package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/refund"
)

// ListTransactions lists a user's ledger transactions created before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]TokenTransaction, error) {
	if userID.String() == "" {
		return nil, ErrInvalidUserID
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

// ExpireDue expires ACTIVE reservations whose deadline has passed and returns how many it expired.
// Reservations settled concurrently by Commit or Release are skipped.
func (service *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	due, err := service.store.ListExpiredReservations(ctx, service.nowFn(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, reservation := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		err := service.Expire(ctx, reservation.ID)
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RecordPurchase stores the tokens credited for a payment. Recording the same payment twice is a no-op.
func (service *Service) RecordPurchase(ctx context.Context, purchase Purchase) error {
	operationError := validatePurchase(purchase)
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			_, err := transactionStore.GetPurchase(ctx, purchase.PaymentRef)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrUnknownPurchase) {
				return err
			}
			nowUnixUTC := service.nowFn()
			record := purchase
			record.RefundedAmountCents = 0
			record.RefundedTokens = 0
			record.Version = 1
			record.CreatedUnixUTC = nowUnixUTC
			record.UpdatedUnixUTC = nowUnixUTC
			err = transactionStore.CreatePurchase(ctx, record)
			if errors.Is(err, ErrPurchaseExists) {
				return nil
			}
			return err
		})
	}
	refID, _ := NewRefID(purchase.PaymentRef)
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordPurchase,
		UserID:    purchase.UserID,
		RefID:     refID,
		Amount:    purchase.CreditedTokens.Int64(),
		Error:     operationError,
	})
	return operationError
}

// ReversePurchase debits the tokens owed for a refund or dispute against the purchase identified
// by paymentRef. Cumulative reversals for one purchase never exceed the tokens it credited.
// With clamp set, a debit larger than the available balance takes what is available and reports
// the rest as ShortfallTokens; otherwise it fails with ErrOverdraftRejected.
func (service *Service) ReversePurchase(ctx context.Context, paymentRef string, refundAmountCents int64, refID RefID, idempotencyKey IdempotencyKey, metadata MetadataJSON, clamp bool) (Reversal, error) {
	reversal := Reversal{PaymentRef: strings.TrimSpace(paymentRef)}
	var operationError error
	switch {
	case reversal.PaymentRef == "":
		operationError = fmt.Errorf("%w: payment reference is required", ErrInvalidPurchase)
	case refundAmountCents < 0:
		operationError = fmt.Errorf("%w: refund amount must be zero or greater", ErrInvalidPurchase)
	case refID.String() == "":
		operationError = ErrInvalidRefID
	case idempotencyKey.String() == "":
		operationError = ErrInvalidIdempotencyKey
	}
	if operationError == nil {
		operationError = service.transact(ctx, func(ctx context.Context, transactionStore Store) error {
			reversal = Reversal{PaymentRef: reversal.PaymentRef}
			existing, found, err := findTransaction(ctx, transactionStore, idempotencyKey, TransactionAdjustment)
			if err != nil {
				return err
			}
			if found {
				reversal.UserID = existing.UserID
				reversal.DebitedTokens = -existing.AmountTokens
				reversal.Replayed = true
				return nil
			}
			purchase, err := transactionStore.GetPurchase(ctx, reversal.PaymentRef)
			if err != nil {
				return err
			}
			reversal.UserID = purchase.UserID
			cumulativeCents := purchase.RefundedAmountCents + refundAmountCents
			target := refund.ProportionalTokens(purchase.AmountCents, purchase.CreditedTokens.Int64(), cumulativeCents)
			if target > purchase.CreditedTokens.Int64() {
				target = purchase.CreditedTokens.Int64()
			}
			owed := target - purchase.RefundedTokens.Int64()
			if owed < 0 {
				owed = 0
			}
			reversal.RequestedTokens = owed

			nowUnixUTC := service.nowFn()
			updatedPurchase := purchase
			updatedPurchase.RefundedAmountCents = cumulativeCents
			updatedPurchase.RefundedTokens = purchase.RefundedTokens + TokenAmount(owed)
			updatedPurchase.Version = purchase.Version + 1
			updatedPurchase.UpdatedUnixUTC = nowUnixUTC
			if err := transactionStore.UpdatePurchase(ctx, updatedPurchase, purchase.Version); err != nil {
				return err
			}

			debit := owed
			if debit > 0 {
				balance, err := transactionStore.GetBalance(ctx, purchase.UserID)
				available := int64(0)
				switch {
				case errors.Is(err, ErrUnknownBalance):
				case err != nil:
					return err
				default:
					available = balance.AvailableTokens.Int64()
				}
				if available < debit {
					if !clamp {
						return ErrOverdraftRejected
					}
					reversal.ShortfallTokens = debit - available
					debit = available
				}
			}
			reversal.DebitedTokens = debit
			return service.applyReversalDelta(ctx, transactionStore, purchase.UserID, -debit, refID, idempotencyKey, metadata)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationReverse,
		UserID:         reversal.UserID,
		RefID:          refID,
		Amount:         -reversal.DebitedTokens,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return Reversal{}, operationError
	}
	return reversal, nil
}

// applyReversalDelta records the ADJUSTMENT even when nothing is debited, so replays of the
// same refund stay no-ops after the purchase counters moved.
func (service *Service) applyReversalDelta(ctx context.Context, transactionStore Store, userID UserID, delta int64, refID RefID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	if delta != 0 {
		return service.applyDelta(ctx, transactionStore, userID, delta, TransactionAdjustment, refID, idempotencyKey, metadata)
	}
	return transactionStore.InsertTransaction(ctx, service.newTransaction(userID, refID, TransactionAdjustment, 0, idempotencyKey, metadata, service.nowFn()))
}

func validatePurchase(purchase Purchase) error {
	if strings.TrimSpace(purchase.PaymentRef) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrInvalidPurchase)
	}
	if purchase.UserID.String() == "" {
		return ErrInvalidUserID
	}
	if purchase.AmountCents < 0 {
		return fmt.Errorf("%w: amount must be zero or greater", ErrInvalidPurchase)
	}
	if purchase.CreditedTokens < 0 {
		return fmt.Errorf("%w: credited tokens must be zero or greater", ErrInvalidTokenAmount)
	}
	return nil
}
