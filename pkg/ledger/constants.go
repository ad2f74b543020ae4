package ledger

import "time"

const (
	operationReserve        = "reserve"
	operationCommit         = "commit"
	operationRelease        = "release"
	operationExpire         = "expire"
	operationCredit         = "credit"
	operationAdjust         = "adjust"
	operationRecordPurchase = "record_purchase"
	operationReverse        = "reverse_purchase"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reservedKeyPrefix          = "@"
	idempotencyKeyDelimiter    = ":"
	idempotencyScopeRemainder  = "remainder"
	idempotencyScopeExpire     = "expire"

	defaultMetadataJSON   = "{}"
	defaultReservationTTL = 15 * time.Minute
	defaultMaxAttempts    = 3
	defaultSweepLimit     = 100
)
