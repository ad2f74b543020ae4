package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

// stubStore keeps ledger state in maps. WithTx works on a copy and publishes it only when fn
// succeeds, so failed operations leave no trace; version checks mirror the SQL stores.
type stubStore struct {
	mu    *sync.Mutex
	state *stubState
	inTx  bool

	conflictsToInject *int32
	panicOn           string
}

type stubState struct {
	balances        map[string]Balance
	reservations    map[string]Reservation
	transactions    []TokenTransaction
	processedEvents map[string]ProcessedEvent
	purchases       map[string]Purchase
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	var conflicts int32
	return &stubStore{
		mu: &sync.Mutex{},
		state: &stubState{
			balances:        make(map[string]Balance),
			reservations:    make(map[string]Reservation),
			processedEvents: make(map[string]ProcessedEvent),
			purchases:       make(map[string]Purchase),
		},
		conflictsToInject: &conflicts,
	}
}

func (state *stubState) clone() *stubState {
	cloned := &stubState{
		balances:        make(map[string]Balance, len(state.balances)),
		reservations:    make(map[string]Reservation, len(state.reservations)),
		transactions:    append([]TokenTransaction(nil), state.transactions...),
		processedEvents: make(map[string]ProcessedEvent, len(state.processedEvents)),
		purchases:       make(map[string]Purchase, len(state.purchases)),
	}
	for key, value := range state.balances {
		cloned.balances[key] = value
	}
	for key, value := range state.reservations {
		cloned.reservations[key] = value
	}
	for key, value := range state.processedEvents {
		cloned.processedEvents[key] = value
	}
	for key, value := range state.purchases {
		cloned.purchases[key] = value
	}
	return cloned
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	transactionStore := &stubStore{mu: store.mu, state: store.state.clone(), inTx: true, conflictsToInject: store.conflictsToInject, panicOn: store.panicOn}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	store.state = transactionStore.state
	return nil
}

// lock guards reads made outside WithTx.
func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	defer store.lock()()
	balance, ok := store.state.balances[userID.String()]
	if !ok {
		return Balance{}, ErrUnknownBalance
	}
	return balance, nil
}

func (store *stubStore) CreateBalance(ctx context.Context, balance Balance) error {
	defer store.lock()()
	if _, exists := store.state.balances[balance.UserID.String()]; exists {
		return ErrVersionConflict
	}
	store.state.balances[balance.UserID.String()] = balance
	return nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, balance Balance, expectedVersion int64) error {
	defer store.lock()()
	if store.panicOn == "update_balance" {
		panic("stub store panic")
	}
	if atomic.LoadInt32(store.conflictsToInject) > 0 {
		atomic.AddInt32(store.conflictsToInject, -1)
		return WrapError("store", "balance", "update", ErrVersionConflict)
	}
	current, ok := store.state.balances[balance.UserID.String()]
	if !ok || current.Version != expectedVersion {
		return WrapError("store", "balance", "update", ErrVersionConflict)
	}
	store.state.balances[balance.UserID.String()] = balance
	return nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	defer store.lock()()
	if _, exists := store.state.reservations[reservation.ID.String()]; exists {
		return ErrReservationExists
	}
	store.state.reservations[reservation.ID.String()] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	defer store.lock()()
	reservation, ok := store.state.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationState(ctx context.Context, reservation Reservation, from ReservationState) error {
	defer store.lock()()
	current, ok := store.state.reservations[reservation.ID.String()]
	if !ok {
		return ErrUnknownReservation
	}
	if current.State != from {
		return ErrInvalidState
	}
	store.state.reservations[reservation.ID.String()] = reservation
	return nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error) {
	defer store.lock()()
	due := make([]Reservation, 0)
	for _, reservation := range store.state.reservations {
		if reservation.State == ReservationStateActive && reservation.ExpiresUnixUTC <= atUnixUTC {
			due = append(due, reservation)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].ExpiresUnixUTC < due[right].ExpiresUnixUTC })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction TokenTransaction) error {
	defer store.lock()()
	for _, existing := range store.state.transactions {
		if existing.IdempotencyKey == transaction.IdempotencyKey && existing.Type == transaction.Type {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *stubStore) FindTransaction(ctx context.Context, idempotencyKey IdempotencyKey, transactionType TransactionType) (TokenTransaction, error) {
	defer store.lock()()
	for _, existing := range store.state.transactions {
		if existing.IdempotencyKey == idempotencyKey && existing.Type == transactionType {
			return existing, nil
		}
	}
	return TokenTransaction{}, ErrUnknownTransaction
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]TokenTransaction, error) {
	defer store.lock()()
	listed := make([]TokenTransaction, 0)
	for index := len(store.state.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.state.transactions[index]
		if transaction.UserID == userID && transaction.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

func (store *stubStore) InsertProcessedEvent(ctx context.Context, event ProcessedEvent) error {
	defer store.lock()()
	if _, exists := store.state.processedEvents[event.EventID]; exists {
		return ErrDuplicateEvent
	}
	store.state.processedEvents[event.EventID] = event
	return nil
}

func (store *stubStore) ProcessedEventExists(ctx context.Context, eventID string) (bool, error) {
	defer store.lock()()
	_, exists := store.state.processedEvents[eventID]
	return exists, nil
}

func (store *stubStore) CreatePurchase(ctx context.Context, purchase Purchase) error {
	defer store.lock()()
	if _, exists := store.state.purchases[purchase.PaymentRef]; exists {
		return ErrPurchaseExists
	}
	store.state.purchases[purchase.PaymentRef] = purchase
	return nil
}

func (store *stubStore) GetPurchase(ctx context.Context, paymentRef string) (Purchase, error) {
	defer store.lock()()
	purchase, ok := store.state.purchases[paymentRef]
	if !ok {
		return Purchase{}, ErrUnknownPurchase
	}
	return purchase, nil
}

func (store *stubStore) UpdatePurchase(ctx context.Context, purchase Purchase, expectedVersion int64) error {
	defer store.lock()()
	current, ok := store.state.purchases[purchase.PaymentRef]
	if !ok {
		return ErrUnknownPurchase
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	store.state.purchases[purchase.PaymentRef] = purchase
	return nil
}

func (store *stubStore) transactionsByType(transactionType TransactionType) []TokenTransaction {
	defer store.lock()()
	matched := make([]TokenTransaction, 0)
	for _, transaction := range store.state.transactions {
		if transaction.Type == transactionType {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func (store *stubStore) transactionLog() []TokenTransaction {
	defer store.lock()()
	return append([]TokenTransaction(nil), store.state.transactions...)
}

func (store *stubStore) transactionCount() int {
	defer store.lock()()
	return len(store.state.transactions)
}

func (store *stubStore) mustBalance(test *testing.T, userID UserID) Balance {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance %s: %v", userID.String(), err)
	}
	return balance
}

type testClock struct {
	now int64
}

func (clock *testClock) Now() int64 {
	return atomic.LoadInt64(&clock.now)
}

func (clock *testClock) Advance(seconds int64) {
	atomic.AddInt64(&clock.now, seconds)
}

func newSequentialIDs(prefix string) func() string {
	var counter int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&counter, 1))
	}
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(newSequentialIDs("id"))}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustRefID(test *testing.T, raw string) RefID {
	test.Helper()
	value, err := NewRefID(raw)
	if err != nil {
		test.Fatalf("ref id: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveTokens(test *testing.T, raw int64) PositiveTokenAmount {
	test.Helper()
	value, err := NewPositiveTokenAmount(raw)
	if err != nil {
		test.Fatalf("tokens: %v", err)
	}
	return value
}

func mustTokens(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	value, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("tokens: %v", err)
	}
	return value
}

func mustCredit(test *testing.T, service *Service, userID UserID, amount int64, key string) {
	test.Helper()
	err := service.Credit(context.Background(), userID, mustTokens(test, amount), mustRefID(test, key), mustIdempotencyKey(test, key), MetadataJSON{})
	if err != nil {
		test.Fatalf("credit %d: %v", amount, err)
	}
}
