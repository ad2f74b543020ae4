// Package webhook verifies payment-provider notifications and applies them to the token ledger.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/logging"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one webhook delivery.
type Outcome string

const (
	OutcomeOK        Outcome = "OK"
	OutcomeIgnored   Outcome = "IGNORED"
	OutcomeDuplicate Outcome = "DUPLICATE"
	OutcomeFailed    Outcome = "FAILED"
)

const (
	unknownEventType = "unknown"

	logKeyEventID        = "event_id"
	logKeyEventType      = "event_type"
	logKeySessionID      = "session_id"
	logKeyUserID         = "user_id"
	logKeyPriceID        = "price_id"
	logKeySubscriptionID = "subscription_id"
	logKeyChargeID       = "charge_id"
	logKeyDisputeID      = "dispute_id"
	logKeyCustomerID     = "customer_id"
)

// Result describes how a delivery was resolved.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
}

// MetricsSink counts deliveries by event type.
type MetricsSink interface {
	IncrementReceived(eventType string)
	IncrementOk(eventType string)
	IncrementFailed(eventType string)
	IncrementDuplicate(eventType string)
}

// Scope carries per-request log context.
type Scope interface {
	Put(key string, value string)
	Clear()
	Logger() *zap.Logger
}

// Config holds the engine settings.
type Config struct {
	Secret    string
	Tolerance time.Duration
	// Packs maps one-time checkout price or pack ids to tokens.
	Packs Catalog
	// Plans maps subscription price ids to tokens per period.
	Plans Catalog
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires the delivery counters.
func WithMetrics(sink MetricsSink) Option {
	return func(engine *Engine) {
		if sink != nil {
			engine.metrics = sink
		}
	}
}

// WithScopeFactory replaces the per-request log scope constructor.
func WithScopeFactory(factory func() Scope) Option {
	return func(engine *Engine) {
		if factory != nil {
			engine.newScope = factory
		}
	}
}

// WithClock injects the clock used for signature tolerance and ProcessedEvent timestamps.
func WithClock(now func() int64) Option {
	return func(engine *Engine) {
		if now != nil {
			engine.now = now
		}
	}
}

// WithLogger sets the base logger for scopes and signature rejections.
func WithLogger(logger *zap.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

type handlerFunc func(ctx context.Context, event stripe.Event, scope Scope, txService *ledger.Service) error

// Engine runs verify, parse, dedup, dispatch and record for each delivery.
type Engine struct {
	service  *ledger.Service
	verifier Verifier
	metrics  MetricsSink
	newScope func() Scope
	now      func() int64
	logger   *zap.Logger
	packs    Catalog
	plans    Catalog
	handlers map[string]handlerFunc
}

// NewEngine wires an Engine over the ledger service.
func NewEngine(service *ledger.Service, config Config, options ...Option) (*Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		service: service,
		metrics: noopMetrics{},
		now:     func() int64 { return time.Now().UTC().Unix() },
		logger:  zap.NewNop(),
		packs:   config.Packs,
		plans:   config.Plans,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.newScope == nil {
		base := engine.logger
		engine.newScope = func() Scope { return logging.NewScope(base) }
	}
	engine.verifier = NewVerifier(config.Secret, config.Tolerance, engine.now)
	engine.handlers = map[string]handlerFunc{
		EventCheckoutSessionCompleted:             engine.handleCheckoutSession,
		EventCheckoutSessionAsyncPaymentSucceeded: engine.handleCheckoutSession,
		EventInvoicePaymentSucceeded:              engine.handleInvoicePaid,
		EventRefundCreated:                        engine.handleRefund,
		EventChargeRefunded:                       engine.handleChargeRefunded,
		EventChargeDisputeCreated:                 engine.handleDispute,
	}
	return engine, nil
}

// Handle processes one delivery. Signature failures return before anything is parsed or counted.
func (engine *Engine) Handle(ctx context.Context, payload []byte, signatureHeader string) (result Result, err error) {
	if verifyErr := engine.verifier.Verify(payload, signatureHeader); verifyErr != nil {
		engine.logger.Warn("webhook signature rejected", zap.Error(verifyErr))
		return Result{Outcome: OutcomeFailed}, verifyErr
	}

	scope := engine.newScope()
	defer scope.Clear()

	event, decodeErr := decodeEvent(payload)
	if decodeErr != nil {
		eventType := string(event.Type)
		if eventType == "" {
			eventType = unknownEventType
		}
		scope.Put(logKeyEventID, event.ID)
		scope.Put(logKeyEventType, eventType)
		engine.metrics.IncrementReceived(eventType)
		engine.metrics.IncrementFailed(eventType)
		scope.Logger().Warn("webhook payload malformed", zap.Error(decodeErr))
		return Result{Outcome: OutcomeFailed, EventID: event.ID, EventType: eventType}, decodeErr
	}

	eventType := string(event.Type)
	result = Result{EventID: event.ID, EventType: eventType}
	scope.Put(logKeyEventID, event.ID)
	scope.Put(logKeyEventType, eventType)
	engine.metrics.IncrementReceived(eventType)

	defer func() {
		if recovered := recover(); recovered != nil {
			result.Outcome = OutcomeFailed
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, recovered)
			engine.metrics.IncrementFailed(eventType)
			scope.Logger().Error("webhook handler panicked", zap.Any("panic", recovered))
		}
	}()

	outcome, dispatchErr := engine.dispatch(ctx, event, scope)
	result.Outcome = outcome
	switch outcome {
	case OutcomeDuplicate:
		engine.metrics.IncrementDuplicate(eventType)
		scope.Logger().Info("webhook duplicate")
	case OutcomeFailed:
		engine.metrics.IncrementFailed(eventType)
		scope.Logger().Error("webhook failed", zap.Error(dispatchErr))
	default:
		engine.metrics.IncrementOk(eventType)
		scope.Logger().Info("webhook processed", zap.String("outcome", string(outcome)))
	}
	return result, dispatchErr
}

// dispatch applies the handler and the ProcessedEvent insert in one transaction.
func (engine *Engine) dispatch(ctx context.Context, event stripe.Event, scope Scope) (Outcome, error) {
	processed, err := engine.service.Store().ProcessedEventExists(ctx, event.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if processed {
		return OutcomeDuplicate, nil
	}
	handler, known := engine.handlers[string(event.Type)]
	if !known {
		return OutcomeIgnored, nil
	}
	err = engine.service.Transact(ctx, func(ctx context.Context, txService *ledger.Service) error {
		if err := handler(ctx, event, scope, txService); err != nil {
			return err
		}
		return txService.Store().InsertProcessedEvent(ctx, ledger.ProcessedEvent{
			EventID:          event.ID,
			EventType:        string(event.Type),
			ProcessedUnixUTC: engine.now(),
		})
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeOK, nil
}

func decodeEvent(payload []byte) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return event, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return event, fmt.Errorf("%w: data.object is required", ErrMalformedPayload)
	}
	return event, nil
}

type noopMetrics struct{}

func (noopMetrics) IncrementReceived(string)  {}
func (noopMetrics) IncrementOk(string)        {}
func (noopMetrics) IncrementFailed(string)    {}
func (noopMetrics) IncrementDuplicate(string) {}
