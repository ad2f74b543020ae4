package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientBalance     = "insufficient_balance"
	errorInvalidState            = "invalid_reservation_state"
	errorOverdraftRejected       = "overdraft_rejected"
	errorUnknownReservation      = "unknown_reservation"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorIdempotencyKeyReused    = "idempotency_key_reused"
	errorReservationExists       = "reservation_exists"
	errorConcurrentUpdate        = "concurrent_update_conflict"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidReservationID    = "invalid_reservation_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidRefID            = "invalid_ref_id"
	errorInvalidAmount           = "invalid_token_amount"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorInvalidListLimit        = "invalid_list_limit"
	errorInvalidTimestamp        = "invalid_before_unix_utc"

	fieldUserID          = "user_id"
	fieldReservationID   = "reservation_id"
	fieldIdempotencyKey  = "idempotency_key"
	fieldRefID           = "ref_id"
	fieldMetadataJSON    = "metadata_json"
	fieldEstimatedTokens = "estimated_tokens"
	fieldActualTokens    = "actual_tokens"
	fieldAmountTokens    = "amount_tokens"
	fieldDeltaTokens     = "delta_tokens"
	fieldBeforeUnixUTC   = "before_unix_utc"
	fieldLimit           = "limit"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)

// TokenLedgerServer exposes the token ledger over gRPC.
type TokenLedgerServer struct {
	ledgerService *ledger.Service
}

// NewTokenLedgerServer constructs a gRPC server for the ledger service.
func NewTokenLedgerServer(ledgerService *ledger.Service) *TokenLedgerServer {
	return &TokenLedgerServer{ledgerService: ledgerService}
}

func (server *TokenLedgerServer) Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawEstimate, err := int64Field(request, fieldEstimatedTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	estimate, err := ledger.NewPositiveTokenAmount(rawEstimate)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reservation, operationError := server.ledgerService.Reserve(ctx, userID, estimate, idem, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(reservationFields(reservation))
}

func (server *TokenLedgerServer) Commit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	reservationID, err := ledger.NewReservationID(stringField(request, fieldReservationID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawActual, err := int64Field(request, fieldActualTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	actual, err := ledger.NewTokenAmount(rawActual)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.ledgerService.Commit(ctx, reservationID, actual, idem, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldReservationID: result.ReservationID.String(),
		"committed_tokens": result.CommittedTokens.Int64(),
		"released_tokens":  result.ReleasedTokens.Int64(),
	})
}

func (server *TokenLedgerServer) Release(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	reservationID, err := ledger.NewReservationID(stringField(request, fieldReservationID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.ledgerService.Release(ctx, reservationID, idem, metadata); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *TokenLedgerServer) Expire(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	reservationID, err := ledger.NewReservationID(stringField(request, fieldReservationID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.ledgerService.Expire(ctx, reservationID); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *TokenLedgerServer) Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawAmount, err := int64Field(request, fieldAmountTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewTokenAmount(rawAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	refID, err := ledger.NewRefID(stringField(request, fieldRefID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.ledgerService.Credit(ctx, userID, amount, refID, idem, metadata); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *TokenLedgerServer) Adjust(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawDelta, err := int64Field(request, fieldDeltaTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	delta, err := ledger.NewTokenDelta(rawDelta)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	refID, err := ledger.NewRefID(stringField(request, fieldRefID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.ledgerService.Adjust(ctx, userID, delta, refID, idem, metadata); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *TokenLedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.ledgerService.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldUserID:        userID.String(),
		"available_tokens": balance.AvailableTokens.Int64(),
		"reserved_tokens":  balance.ReservedTokens.Int64(),
		"total_tokens":     balance.TotalTokens(),
		"version":          balance.Version,
	})
}

func (server *TokenLedgerServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawLimit, err := optionalInt64Field(request, fieldLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	limit, err := normalizeListLimit(rawLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	before, err := optionalInt64Field(request, fieldBeforeUnixUTC)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidTimestamp)
	}
	transactions, operationError := server.ledgerService.ListTransactions(ctx, userID, before, int(limit))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	entries := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, map[string]any{
			"transaction_id":    transaction.ID,
			fieldUserID:         transaction.UserID.String(),
			fieldRefID:          transaction.RefID.String(),
			"type":              transaction.Type.String(),
			fieldAmountTokens:   transaction.AmountTokens,
			fieldIdempotencyKey: transaction.IdempotencyKey.String(),
			fieldMetadataJSON:   transaction.Metadata.String(),
			"created_unix_utc":  transaction.CreatedUnixUTC,
		})
	}
	return newStruct(map[string]any{"transactions": entries})
}

func reservationFields(reservation ledger.Reservation) map[string]any {
	return map[string]any{
		fieldReservationID:   reservation.ID.String(),
		fieldUserID:          reservation.UserID.String(),
		fieldEstimatedTokens: reservation.EstimatedTokens.Int64(),
		"committed_tokens":   reservation.CommittedTokens.Int64(),
		"state":              reservation.State.String(),
		"expires_unix_utc":   reservation.ExpiresUnixUTC,
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

// int64Field reads a required whole number. Struct numbers travel as doubles.
func int64Field(request *structpb.Struct, name string) (int64, error) {
	value, present := request.GetFields()[name]
	if !present {
		return 0, fmt.Errorf("%w: %s is required", ledger.ErrInvalidTokenAmount, name)
	}
	return wholeNumber(value, name)
}

func optionalInt64Field(request *structpb.Struct, name string) (int64, error) {
	value, present := request.GetFields()[name]
	if !present {
		return 0, nil
	}
	return wholeNumber(value, name)
}

func wholeNumber(value *structpb.Value, name string) (int64, error) {
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s must be a number", ledger.ErrInvalidTokenAmount, name)
	}
	raw := number.NumberValue
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw != math.Trunc(raw) || math.Abs(raw) > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be a whole number", ledger.ErrInvalidTokenAmount, name)
	}
	return int64(raw), nil
}

func normalizeListLimit(limit int64) (int64, error) {
	if limit <= 0 {
		return defaultListTransactionsLimit, nil
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return limit, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidReservationID) {
		return status.Error(codes.InvalidArgument, errorInvalidReservationID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidRefID) {
		return status.Error(codes.InvalidArgument, errorInvalidRefID)
	}
	if errors.Is(source, ledger.ErrInvalidTokenAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidMetadataJSON) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if errors.Is(source, ledger.ErrInsufficientBalance) {
		return status.Error(codes.FailedPrecondition, errorInsufficientBalance)
	}
	if errors.Is(source, ledger.ErrInvalidState) {
		return status.Error(codes.FailedPrecondition, errorInvalidState)
	}
	if errors.Is(source, ledger.ErrOverdraftRejected) {
		return status.Error(codes.FailedPrecondition, errorOverdraftRejected)
	}
	if errors.Is(source, ledger.ErrUnknownReservation) {
		return status.Error(codes.NotFound, errorUnknownReservation)
	}
	if errors.Is(source, ledger.ErrIdempotencyKeyReused) {
		return status.Error(codes.AlreadyExists, errorIdempotencyKeyReused)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrReservationExists) {
		return status.Error(codes.AlreadyExists, errorReservationExists)
	}
	if errors.Is(source, ledger.ErrConcurrentUpdateConflict) {
		return status.Error(codes.Aborted, errorConcurrentUpdate)
	}
	return status.Error(codes.Internal, source.Error())
}
