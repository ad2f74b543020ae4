package pgstore

import "github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type balanceRow struct {
	userID         string
	available      int64
	reserved       int64
	version        int64
	createdUnixUTC int64
	updatedUnixUTC int64
}

func (row balanceRow) toBalance() (ledger.Balance, error) {
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	available, err := ledger.NewTokenAmount(row.available)
	if err != nil {
		return ledger.Balance{}, err
	}
	reserved, err := ledger.NewTokenAmount(row.reserved)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		UserID:          userID,
		AvailableTokens: available,
		ReservedTokens:  reserved,
		Version:         row.version,
		CreatedUnixUTC:  row.createdUnixUTC,
		UpdatedUnixUTC:  row.updatedUnixUTC,
	}, nil
}

type reservationRow struct {
	reservationID  string
	userID         string
	estimated      int64
	committed      int64
	state          string
	expiresUnixUTC int64
	createdUnixUTC int64
	updatedUnixUTC int64
}

func scanReservation(scanner rowScanner) (reservationRow, error) {
	var row reservationRow
	err := scanner.Scan(
		&row.reservationID,
		&row.userID,
		&row.estimated,
		&row.committed,
		&row.state,
		&row.expiresUnixUTC,
		&row.createdUnixUTC,
		&row.updatedUnixUTC,
	)
	return row, err
}

func (row reservationRow) toReservation() (ledger.Reservation, error) {
	reservationID, err := ledger.NewReservationID(row.reservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	estimated, err := ledger.NewPositiveTokenAmount(row.estimated)
	if err != nil {
		return ledger.Reservation{}, err
	}
	committed, err := ledger.NewTokenAmount(row.committed)
	if err != nil {
		return ledger.Reservation{}, err
	}
	state, err := ledger.ParseReservationState(row.state)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ID:              reservationID,
		UserID:          userID,
		EstimatedTokens: estimated,
		CommittedTokens: committed,
		State:           state,
		ExpiresUnixUTC:  row.expiresUnixUTC,
		CreatedUnixUTC:  row.createdUnixUTC,
		UpdatedUnixUTC:  row.updatedUnixUTC,
	}, nil
}

type transactionRow struct {
	transactionID  string
	userID         string
	refID          string
	kind           string
	amount         int64
	idempotencyKey string
	metadata       string
	createdUnixUTC int64
}

func scanTransaction(scanner rowScanner) (transactionRow, error) {
	var row transactionRow
	err := scanner.Scan(
		&row.transactionID,
		&row.userID,
		&row.refID,
		&row.kind,
		&row.amount,
		&row.idempotencyKey,
		&row.metadata,
		&row.createdUnixUTC,
	)
	return row, err
}

func (row transactionRow) toTransaction() (ledger.TokenTransaction, error) {
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	refID, err := ledger.NewRefID(row.refID)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.kind)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	idempotencyKey, err := ledger.ParseStoredIdempotencyKey(row.idempotencyKey)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(row.metadata)
	if err != nil {
		return ledger.TokenTransaction{}, err
	}
	return ledger.TokenTransaction{
		ID:             row.transactionID,
		UserID:         userID,
		RefID:          refID,
		Type:           transactionType,
		AmountTokens:   row.amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.createdUnixUTC,
	}, nil
}

type purchaseRow struct {
	paymentRef          string
	userID              string
	sourceID            string
	amountCents         int64
	creditedTokens      int64
	refundedAmountCents int64
	refundedTokens      int64
	version             int64
	createdUnixUTC      int64
	updatedUnixUTC      int64
}

func (row purchaseRow) toPurchase() (ledger.Purchase, error) {
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	credited, err := ledger.NewTokenAmount(row.creditedTokens)
	if err != nil {
		return ledger.Purchase{}, err
	}
	refunded, err := ledger.NewTokenAmount(row.refundedTokens)
	if err != nil {
		return ledger.Purchase{}, err
	}
	return ledger.Purchase{
		PaymentRef:          row.paymentRef,
		UserID:              userID,
		SourceID:            row.sourceID,
		AmountCents:         row.amountCents,
		CreditedTokens:      credited,
		RefundedAmountCents: row.refundedAmountCents,
		RefundedTokens:      refunded,
		Version:             row.version,
		CreatedUnixUTC:      row.createdUnixUTC,
		UpdatedUnixUTC:      row.updatedUnixUTC,
	}, nil
}
