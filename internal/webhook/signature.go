package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampKey = "t"
	signatureSchemeV1     = "v1"
	signaturePartSep      = ","
	signatureKeyValueSep  = "="
	signedPayloadSep      = "."
)

// Verifier checks Stripe-style "t=<unix>,v1=<hex>" signature headers.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() int64
}

// NewVerifier returns a Verifier. A zero tolerance disables the timestamp window.
func NewVerifier(secret string, tolerance time.Duration, now func() int64) Verifier {
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return Verifier{secret: []byte(secret), tolerance: tolerance, now: now}
}

// Verify fails with ErrInvalidSignature unless one v1 signature in header matches payload.
func (verifier Verifier) Verify(payload []byte, header string) error {
	if len(verifier.secret) == 0 {
		return fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if verifier.tolerance > 0 && !withinTolerance(verifier.now(), timestamp, int64(verifier.tolerance/time.Second)) {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	expected := computeSignature(verifier.secret, timestamp, payload)
	for _, candidate := range signatures {
		if hmac.Equal(expected, candidate) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignPayload renders the header a provider would send for payload at timestamp.
func SignPayload(secret string, timestamp int64, payload []byte) string {
	signature := computeSignature([]byte(secret), timestamp, payload)
	return signatureTimestampKey + signatureKeyValueSep + strconv.FormatInt(timestamp, 10) +
		signaturePartSep + signatureSchemeV1 + signatureKeyValueSep + hex.EncodeToString(signature)
}

// withinTolerance compares against bounds clamped to the int64 range so extreme timestamps
// cannot wrap into the window.
func withinTolerance(now int64, timestamp int64, toleranceSeconds int64) bool {
	lower := int64(math.MinInt64)
	if now >= math.MinInt64+toleranceSeconds {
		lower = now - toleranceSeconds
	}
	upper := int64(math.MaxInt64)
	if now <= math.MaxInt64-toleranceSeconds {
		upper = now + toleranceSeconds
	}
	return timestamp >= lower && timestamp <= upper
}

func computeSignature(secret []byte, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(signedPayloadSep))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	var (
		timestamp    int64
		hasTimestamp bool
		signatures   [][]byte
	)
	for _, part := range strings.Split(header, signaturePartSep) {
		key, value, found := strings.Cut(strings.TrimSpace(part), signatureKeyValueSep)
		if !found {
			continue
		}
		switch key {
		case signatureTimestampKey:
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = parsed
			hasTimestamp = true
		case signatureSchemeV1:
			decoded, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, decoded)
		}
	}
	if !hasTimestamp {
		return 0, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: missing v1 signature", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}
