// Package httpapi serves the webhook endpoint, the session-authenticated wallet API, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"

	headerSignature       = "Signature"
	headerStripeSignature = "Stripe-Signature"

	defaultMaxBodyBytes    = 1 << 20
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
	defaultShutdownTimeout = 5 * time.Second
)

// WebhookHandler applies one signed delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (webhook.Result, error)
}

// Config aggregates the HTTP surface settings.
type Config struct {
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	MaxBodyBytes      int64
}

// Dependencies are the collaborators the router dispatches to.
type Dependencies struct {
	Ledger   *ledger.Service
	Webhooks WebhookHandler
	Metrics  http.Handler
	Logger   *zap.Logger
}

// NewRouter wires every route. The wallet API is mounted only when a session signing key is configured.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Webhooks == nil {
		return nil, errors.New("httpapi: ledger service and webhook handler are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	handler := &httpHandler{logger: logger, ledgerService: deps.Ledger, webhooks: deps.Webhooks, maxBodyBytes: maxBodyBytes}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.POST("/webhooks/stripe", handler.handleWebhook)

	if cfg.SessionSigningKey == "" {
		logger.Warn("wallet api disabled; no session signing key configured")
		return router, nil
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	return router, nil
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, logger *zap.Logger, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type httpHandler struct {
	logger        *zap.Logger
	ledgerService *ledger.Service
	webhooks      WebhookHandler
	maxBodyBytes  int64
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, handler.maxBodyBytes+1))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if int64(len(payload)) > handler.maxBodyBytes {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "body exceeds limit"))
		return
	}
	signature := ctx.GetHeader(headerSignature)
	if signature == "" {
		signature = ctx.GetHeader(headerStripeSignature)
	}

	result, err := handler.webhooks.Handle(ctx.Request.Context(), payload, signature)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, webhook.ErrMalformedPayload):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "payload rejected"))
	case err != nil:
		ctx.JSON(http.StatusInternalServerError, errorResponse("processing_failed", "event not applied"))
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": string(result.Outcome)})
	}
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	balance, err := handler.ledgerService.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		UserID:          userID.String(),
		AvailableTokens: balance.AvailableTokens.Int64(),
		ReservedTokens:  balance.ReservedTokens.Int64(),
		TotalTokens:     balance.TotalTokens(),
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := parseQueryInt(ctx.Query("limit"), defaultHistoryLimit)
	if err != nil || limit > maxHistoryLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)))
		return
	}
	before, err := parseQueryInt(ctx.Query("before"), 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
		return
	}
	transactions, err := handler.ledgerService.ListTransactions(ctx.Request.Context(), userID, before, int(limit))
	if err != nil {
		handler.logger.Error("transaction listing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "transactions unavailable"))
		return
	}
	entries := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, transactionPayload{
			TransactionID:  transaction.ID,
			Type:           transaction.Type.String(),
			AmountTokens:   transaction.AmountTokens,
			RefID:          transaction.RefID.String(),
			Metadata:       []byte(transaction.Metadata.String()),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func parseQueryInt(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", value)
	}
	return value, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	UserID          string `json:"user_id"`
	AvailableTokens int64  `json:"available_tokens"`
	ReservedTokens  int64  `json:"reserved_tokens"`
	TotalTokens     int64  `json:"total_tokens"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	AmountTokens   int64           `json:"amount_tokens"`
	RefID          string          `json:"ref_id"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
