package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
)

// Event types with a ledger effect.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventInvoicePaymentSucceeded              = "invoice.payment_succeeded"
	EventRefundCreated                        = "refund.created"
	EventChargeRefunded                       = "charge.refunded"
	EventChargeDisputeCreated                 = "charge.dispute.created"
)

const (
	metadataUserID          = "user_id"
	metadataTokens          = "tokens"
	metadataTokensPerPeriod = "tokens_per_period"
	metadataPriceID         = "price_id"
	metadataPackID          = "pack_id"

	checkoutModeSubscription   = "subscription"
	paymentStatusPaid          = "paid"
	paymentStatusNoPaymentNeed = "no_payment_required"
	refundStatusFailed         = "failed"
	refundStatusCanceled       = "canceled"
)

func (engine *Engine) handleCheckoutSession(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	scope.Put(logKeySessionID, session.ID)
	if session.Customer != nil {
		scope.Put(logKeyCustomerID, session.Customer.ID)
	}
	if string(session.Mode) == checkoutModeSubscription {
		if session.Subscription != nil {
			scope.Put(logKeySubscriptionID, session.Subscription.ID)
		}
		scope.Logger().Info("subscription checkout acknowledged; tokens arrive with invoices")
		return nil
	}
	paymentStatus := string(session.PaymentStatus)
	if paymentStatus != paymentStatusPaid && paymentStatus != paymentStatusNoPaymentNeed {
		scope.Logger().Info("checkout session not paid yet", zap.String("payment_status", paymentStatus))
		return nil
	}
	if session.ID == "" {
		return fmt.Errorf("%w: checkout session id is missing", ErrMalformedPayload)
	}

	userID, err := resolveUserID(session.Metadata[metadataUserID], session.ClientReferenceID)
	if err != nil {
		return err
	}
	scope.Put(logKeyUserID, userID.String())
	tokens, priceID, err := resolveTokens(session.Metadata, metadataTokens, engine.packs, session.Metadata[metadataPriceID], session.Metadata[metadataPackID])
	if err != nil {
		return err
	}
	scope.Put(logKeyPriceID, priceID)

	refID, idempotencyKey, err := ledgerKeys(session.ID)
	if err != nil {
		return err
	}
	metadata, err := eventMetadata(event, map[string]string{"source": "checkout", "price_id": priceID})
	if err != nil {
		return err
	}
	if err := txService.Credit(ctx, userID, tokens, refID, idempotencyKey, metadata); err != nil {
		return err
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return nil
	}
	return txService.RecordPurchase(ctx, ledger.Purchase{
		PaymentRef:     session.PaymentIntent.ID,
		UserID:         userID,
		SourceID:       session.ID,
		AmountCents:    session.AmountTotal,
		CreditedTokens: tokens,
	})
}

func (engine *Engine) handleInvoicePaid(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: invoice: %v", ErrMalformedPayload, err)
	}
	if invoice.ID == "" {
		return fmt.Errorf("%w: invoice id is missing", ErrMalformedPayload)
	}
	if invoice.Customer != nil {
		scope.Put(logKeyCustomerID, invoice.Customer.ID)
	}
	if invoice.Subscription != nil {
		scope.Put(logKeySubscriptionID, invoice.Subscription.ID)
	}

	metadata := make(map[string]string, len(invoice.Metadata))
	for key, value := range invoice.Metadata {
		metadata[key] = value
	}
	if invoice.SubscriptionDetails != nil {
		for key, value := range invoice.SubscriptionDetails.Metadata {
			metadata[key] = value
		}
	}
	userID, err := resolveUserID(metadata[metadataUserID])
	if err != nil {
		return err
	}
	scope.Put(logKeyUserID, userID.String())
	tokens, priceID, err := resolveTokens(metadata, metadataTokensPerPeriod, engine.plans, firstLinePriceID(invoice))
	if err != nil {
		return err
	}
	scope.Put(logKeyPriceID, priceID)

	refID, idempotencyKey, err := ledgerKeys(invoice.ID)
	if err != nil {
		return err
	}
	transactionMetadata, err := eventMetadata(event, map[string]string{"source": "invoice", "price_id": priceID})
	if err != nil {
		return err
	}
	if err := txService.Credit(ctx, userID, tokens, refID, idempotencyKey, transactionMetadata); err != nil {
		return err
	}
	if invoice.PaymentIntent == nil || invoice.PaymentIntent.ID == "" || invoice.AmountPaid <= 0 {
		return nil
	}
	return txService.RecordPurchase(ctx, ledger.Purchase{
		PaymentRef:     invoice.PaymentIntent.ID,
		UserID:         userID,
		SourceID:       invoice.ID,
		AmountCents:    invoice.AmountPaid,
		CreditedTokens: tokens,
	})
}

func (engine *Engine) handleRefund(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error {
	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrMalformedPayload, err)
	}
	if refund.Charge != nil {
		scope.Put(logKeyChargeID, refund.Charge.ID)
	}
	return engine.reverseRefund(ctx, event, scope, txService, &refund, paymentIntentID(refund.PaymentIntent, refund.Charge))
}

func (engine *Engine) handleChargeRefunded(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
	}
	scope.Put(logKeyChargeID, charge.ID)
	if charge.Customer != nil {
		scope.Put(logKeyCustomerID, charge.Customer.ID)
	}
	if charge.Refunds == nil || len(charge.Refunds.Data) == 0 {
		scope.Logger().Info("charge refunded without refund list; waiting for refund events")
		return nil
	}
	paymentRef := paymentIntentID(charge.PaymentIntent, nil)
	for _, refund := range charge.Refunds.Data {
		if refund == nil {
			continue
		}
		if err := engine.reverseRefund(ctx, event, scope, txService, refund, paymentRef); err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) handleDispute(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return fmt.Errorf("%w: dispute: %v", ErrMalformedPayload, err)
	}
	scope.Put(logKeyDisputeID, dispute.ID)
	if dispute.Charge != nil {
		scope.Put(logKeyChargeID, dispute.Charge.ID)
	}
	if dispute.ID == "" {
		return fmt.Errorf("%w: dispute id is missing", ErrMalformedPayload)
	}
	return engine.reverse(ctx, event, scope, txService, paymentIntentID(dispute.PaymentIntent, dispute.Charge), dispute.Amount, dispute.ID)
}

func (engine *Engine) reverseRefund(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service, refund *stripe.Refund, paymentRef string) error {
	if refund.ID == "" {
		return fmt.Errorf("%w: refund id is missing", ErrMalformedPayload)
	}
	status := string(refund.Status)
	if status == refundStatusFailed || status == refundStatusCanceled {
		scope.Logger().Info("refund did not settle; nothing to reverse", zap.String("refund_id", refund.ID), zap.String("refund_status", status))
		return nil
	}
	if refund.PaymentIntent != nil && refund.PaymentIntent.ID != "" {
		paymentRef = refund.PaymentIntent.ID
	}
	return engine.reverse(ctx, event, scope, txService, paymentRef, refund.Amount, refund.ID)
}

// reverse debits the tokens owed for a refund or dispute, clamping at the available balance.
func (engine *Engine) reverse(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service, paymentRef string, amountCents int64, reversalID string) error {
	if paymentRef == "" {
		return fmt.Errorf("%w: payment intent is missing", ErrMalformedPayload)
	}
	refID, idempotencyKey, err := ledgerKeys(reversalID)
	if err != nil {
		return err
	}
	metadata, err := eventMetadata(event, map[string]string{"payment_ref": paymentRef})
	if err != nil {
		return err
	}
	reversal, err := txService.ReversePurchase(ctx, paymentRef, amountCents, refID, idempotencyKey, metadata, true)
	if err != nil {
		return err
	}
	scope.Put(logKeyUserID, reversal.UserID.String())
	if reversal.ShortfallTokens > 0 {
		scope.Logger().Warn("reversal exceeded available balance",
			zap.String("payment_ref", paymentRef),
			zap.String("reversal_id", reversalID),
			zap.Int64("requested_tokens", reversal.RequestedTokens),
			zap.Int64("debited_tokens", reversal.DebitedTokens),
			zap.Int64("shortfall_tokens", reversal.ShortfallTokens),
		)
	}
	return nil
}

func resolveUserID(candidates ...string) (ledger.UserID, error) {
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		userID, err := ledger.NewUserID(candidate)
		if err != nil {
			return ledger.UserID{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return userID, nil
	}
	return ledger.UserID{}, fmt.Errorf("%w: user id is missing", ErrMalformedPayload)
}

// resolveTokens prefers an explicit metadata amount and falls back to the catalog.
func resolveTokens(metadata map[string]string, tokensKey string, catalog Catalog, identifiers ...string) (ledger.TokenAmount, string, error) {
	priceID := ""
	for _, identifier := range identifiers {
		if identifier != "" {
			priceID = identifier
			break
		}
	}
	if raw := strings.TrimSpace(metadata[tokensKey]); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("%w: %s is not an integer", ErrMalformedPayload, tokensKey)
		}
		tokens, err := ledger.NewTokenAmount(parsed)
		if err != nil {
			return 0, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return tokens, priceID, nil
	}
	amount, matched, found := catalog.Lookup(identifiers...)
	if !found {
		return 0, "", fmt.Errorf("%w: no token amount for price %q", ErrMalformedPayload, priceID)
	}
	return ledger.TokenAmount(amount), matched, nil
}

func firstLinePriceID(invoice stripe.Invoice) string {
	if invoice.Lines == nil {
		return ""
	}
	for _, line := range invoice.Lines.Data {
		if line != nil && line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

func paymentIntentID(paymentIntent *stripe.PaymentIntent, charge *stripe.Charge) string {
	if paymentIntent != nil && paymentIntent.ID != "" {
		return paymentIntent.ID
	}
	if charge != nil && charge.PaymentIntent != nil {
		return charge.PaymentIntent.ID
	}
	return ""
}

func ledgerKeys(sourceID string) (ledger.RefID, ledger.IdempotencyKey, error) {
	refID, err := ledger.NewRefID(sourceID)
	if err != nil {
		return ledger.RefID{}, ledger.IdempotencyKey{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(sourceID)
	if err != nil {
		return ledger.RefID{}, ledger.IdempotencyKey{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return refID, idempotencyKey, nil
}

func eventMetadata(event stripe.Event, extra map[string]string) (ledger.MetadataJSON, error) {
	fields := map[string]string{"event_id": event.ID, "event_type": string(event.Type)}
	for key, value := range extra {
		if value != "" {
			fields[key] = value
		}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}
