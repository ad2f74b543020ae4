package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveThenCommitAppliesCapRule(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-1")
	mustCredit(test, service, userID, 1000, "purchase-1")

	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 1000), mustIdempotencyKey(test, "job-1"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.State != ReservationStateActive {
		test.Fatalf("expected ACTIVE reservation, got %s", reservation.State)
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 0 || balance.ReservedTokens != 1000 {
		test.Fatalf("expected available=0 reserved=1000, got %+v", balance)
	}

	result, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, 333), mustIdempotencyKey(test, "job-1-commit"), MetadataJSON{})
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if result.CommittedTokens != 333 || result.ReleasedTokens != 667 {
		test.Fatalf("expected committed=333 released=667, got %+v", result)
	}
	balance = store.mustBalance(test, userID)
	if balance.AvailableTokens != 667 || balance.ReservedTokens != 0 {
		test.Fatalf("expected available=667 reserved=0, got %+v", balance)
	}
	stored, err := service.Reservation(context.Background(), reservation.ID)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	if stored.State != ReservationStateCommitted || stored.CommittedTokens != 333 {
		test.Fatalf("unexpected stored reservation: %+v", stored)
	}
	releases := store.transactionsByType(TransactionRelease)
	if len(releases) != 1 || releases[0].AmountTokens != 667 {
		test.Fatalf("expected one remainder release of 667, got %+v", releases)
	}
	if releases[0].IdempotencyKey.String() != "@remainder:job-1-commit" {
		test.Fatalf("unexpected remainder key %q", releases[0].IdempotencyKey.String())
	}
}

func TestCommitCapRuleTable(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		estimated     int64
		actual        int64
		wantCommitted int64
		wantReleases  int
	}{
		{estimated: 100, actual: 0, wantCommitted: 0, wantReleases: 1},
		{estimated: 100, actual: 40, wantCommitted: 40, wantReleases: 1},
		{estimated: 100, actual: 100, wantCommitted: 100, wantReleases: 0},
		{estimated: 100, actual: 250, wantCommitted: 100, wantReleases: 0},
	}
	for _, testCase := range testCases {
		store := newStubStore(test)
		service := mustNewService(test, store, &testClock{now: 10})
		userID := mustUserID(test, "cap-user")
		mustCredit(test, service, userID, 500, "cap-credit")
		reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, testCase.estimated), mustIdempotencyKey(test, "cap-reserve"), MetadataJSON{})
		if err != nil {
			test.Fatalf("reserve: %v", err)
		}
		result, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, testCase.actual), mustIdempotencyKey(test, "cap-commit"), MetadataJSON{})
		if err != nil {
			test.Fatalf("commit: %v", err)
		}
		if result.CommittedTokens.Int64() != testCase.wantCommitted {
			test.Fatalf("estimated=%d actual=%d: committed %d, want %d", testCase.estimated, testCase.actual, result.CommittedTokens, testCase.wantCommitted)
		}
		if result.CommittedTokens.Int64()+result.ReleasedTokens.Int64() != testCase.estimated {
			test.Fatalf("committed + released must equal estimate, got %+v", result)
		}
		if got := len(store.transactionsByType(TransactionRelease)); got != testCase.wantReleases {
			test.Fatalf("expected %d release transactions, got %d", testCase.wantReleases, got)
		}
		balance := store.mustBalance(test, userID)
		if balance.AvailableTokens.Int64() != 500-testCase.wantCommitted || balance.ReservedTokens != 0 {
			test.Fatalf("unexpected balance %+v", balance)
		}
	}
}

func TestReserveInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "low-user")

	_, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 5), mustIdempotencyKey(test, "no-balance"), MetadataJSON{})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance without a balance row, got %v", err)
	}
	mustCredit(test, service, userID, 10, "low-credit")
	_, err = service.Reserve(context.Background(), userID, mustPositiveTokens(test, 11), mustIdempotencyKey(test, "too-much"), MetadataJSON{})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance := store.mustBalance(test, userID); balance.AvailableTokens != 10 || balance.ReservedTokens != 0 {
		test.Fatalf("failed reserve must not change the balance, got %+v", balance)
	}
}

func TestReserveReplayReturnsExistingReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "replay-user")
	mustCredit(test, service, userID, 100, "replay-credit")
	key := mustIdempotencyKey(test, "replay-reserve")

	first, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 30), key, MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		replayed, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 30), key, MetadataJSON{})
		if err != nil {
			test.Fatalf("replay %d: %v", attempt, err)
		}
		if replayed.ID != first.ID {
			test.Fatalf("expected replay to return %s, got %s", first.ID.String(), replayed.ID.String())
		}
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 70 || balance.ReservedTokens != 30 {
		test.Fatalf("replays must not reserve again, got %+v", balance)
	}
	if got := len(store.transactionsByType(TransactionReserve)); got != 1 {
		test.Fatalf("expected one RESERVE transaction, got %d", got)
	}
}

func TestCommitTwiceFailsWithInvalidState(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "double-commit")
	mustCredit(test, service, userID, 100, "double-credit")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 50), mustIdempotencyKey(test, "double-reserve"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, 20), mustIdempotencyKey(test, "commit-a"), MetadataJSON{}); err != nil {
		test.Fatalf("commit: %v", err)
	}
	before := store.mustBalance(test, userID)

	_, err = service.Commit(context.Background(), reservation.ID, mustTokens(test, 50), mustIdempotencyKey(test, "commit-b"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected ErrInvalidState, got %v", err)
	}
	after := store.mustBalance(test, userID)
	if after.AvailableTokens != before.AvailableTokens || after.ReservedTokens != before.ReservedTokens {
		test.Fatalf("second commit changed balance: before %+v after %+v", before, after)
	}
}

func TestCommitReplayWithSameKeyReturnsOriginalResult(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "commit-replay")
	mustCredit(test, service, userID, 100, "commit-replay-credit")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 80), mustIdempotencyKey(test, "commit-replay-reserve"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	key := mustIdempotencyKey(test, "commit-replay-key")
	first, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, 30), key, MetadataJSON{})
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	replayed, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, 75), key, MetadataJSON{})
	if err != nil {
		test.Fatalf("replayed commit: %v", err)
	}
	if replayed != first {
		test.Fatalf("expected replay %+v, got %+v", first, replayed)
	}
	if balance := store.mustBalance(test, userID); balance.AvailableTokens != 70 {
		test.Fatalf("unexpected balance after replay: %+v", balance)
	}
}

func TestReleaseReturnsTokensAndIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "release-user")
	mustCredit(test, service, userID, 150, "release-credit")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 50), mustIdempotencyKey(test, "release-reserve"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		key := mustIdempotencyKey(test, "release-key")
		if attempt == 1 {
			key = mustIdempotencyKey(test, "release-key-other")
		}
		if err := service.Release(context.Background(), reservation.ID, key, MetadataJSON{}); err != nil {
			test.Fatalf("release %d: %v", attempt, err)
		}
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 150 || balance.ReservedTokens != 0 {
		test.Fatalf("unexpected balance %+v", balance)
	}
	if got := len(store.transactionsByType(TransactionRelease)); got != 1 {
		test.Fatalf("expected one RELEASE transaction, got %d", got)
	}
	_, err = service.Commit(context.Background(), reservation.ID, mustTokens(test, 1), mustIdempotencyKey(test, "late-commit"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected commit after release to fail with ErrInvalidState, got %v", err)
	}
}

func TestExpireRequiresDeadlineAndBeatsLateCommit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: 100}
	service := mustNewService(test, store, clock, WithReservationTTL(time.Minute))
	userID := mustUserID(test, "expire-user")
	mustCredit(test, service, userID, 40, "expire-credit")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 40), mustIdempotencyKey(test, "expire-reserve"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.ExpiresUnixUTC != 160 {
		test.Fatalf("expected expiry at 160, got %d", reservation.ExpiresUnixUTC)
	}
	if err := service.Expire(context.Background(), reservation.ID); !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected early expire to fail, got %v", err)
	}
	clock.Advance(60)
	expired, err := service.ExpireDue(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire due: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected 1 expired reservation, got %d", expired)
	}
	if err := service.Expire(context.Background(), reservation.ID); err != nil {
		test.Fatalf("repeated expire should be a no-op, got %v", err)
	}
	_, err = service.Commit(context.Background(), reservation.ID, mustTokens(test, 10), mustIdempotencyKey(test, "too-late"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected late commit to fail with ErrInvalidState, got %v", err)
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 40 || balance.ReservedTokens != 0 {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestExpireRacingCommitHasSingleWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: 0}
	service := mustNewService(test, store, clock, WithReservationTTL(time.Second))
	userID := mustUserID(test, "race-user")
	mustCredit(test, service, userID, 1000, "race-credit")
	reservations := make([]Reservation, 0, 20)
	for index := 0; index < 20; index++ {
		reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 50), mustIdempotencyKey(test, "race-reserve-"+string(rune('a'+index))), MetadataJSON{})
		if err != nil {
			test.Fatalf("reserve: %v", err)
		}
		reservations = append(reservations, reservation)
	}
	clock.Advance(5)

	var waitGroup sync.WaitGroup
	commitErrors := make([]error, len(reservations))
	expireErrors := make([]error, len(reservations))
	for index, reservation := range reservations {
		waitGroup.Add(2)
		go func(index int, reservationID ReservationID) {
			defer waitGroup.Done()
			_, commitErrors[index] = service.Commit(context.Background(), reservationID, mustTokens(test, 10), mustIdempotencyKey(test, "race-commit-"+reservationID.String()), MetadataJSON{})
		}(index, reservation.ID)
		go func(index int, reservationID ReservationID) {
			defer waitGroup.Done()
			expireErrors[index] = service.Expire(context.Background(), reservationID)
		}(index, reservation.ID)
	}
	waitGroup.Wait()

	committed := 0
	for index := range reservations {
		commitWon := commitErrors[index] == nil
		expireWon := expireErrors[index] == nil
		if commitWon == expireWon {
			test.Fatalf("reservation %d: exactly one of commit (%v) and expire (%v) must win", index, commitErrors[index], expireErrors[index])
		}
		if commitWon {
			committed++
			if !errors.Is(expireErrors[index], ErrInvalidState) {
				test.Fatalf("expected losing expire to fail with ErrInvalidState, got %v", expireErrors[index])
			}
		} else if !errors.Is(commitErrors[index], ErrInvalidState) {
			test.Fatalf("expected losing commit to fail with ErrInvalidState, got %v", commitErrors[index])
		}
	}
	balance := store.mustBalance(test, userID)
	if balance.ReservedTokens != 0 || balance.AvailableTokens.Int64() != 1000-int64(committed*10) {
		test.Fatalf("balance does not match %d commits: %+v", committed, balance)
	}
	assertReservationsBalanced(test, store)
}

func TestConcurrentReservesNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "concurrent-user")
	mustCredit(test, service, userID, 100, "concurrent-credit")

	var waitGroup sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for index := 0; index < 25; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			key := mustIdempotencyKey(test, "concurrent-"+string(rune('A'+index)))
			if _, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 10), key, MetadataJSON{}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				test.Errorf("unexpected reserve error: %v", err)
			}
		}(index)
	}
	waitGroup.Wait()
	if succeeded != 10 {
		test.Fatalf("expected exactly 10 reservations, got %d", succeeded)
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 0 || balance.ReservedTokens != 100 {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestVersionConflictIsRetried(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10}, WithMaxAttempts(3))
	userID := mustUserID(test, "conflict-user")
	mustCredit(test, service, userID, 100, "conflict-credit")

	*store.conflictsToInject = 2
	if _, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 10), mustIdempotencyKey(test, "conflict-ok"), MetadataJSON{}); err != nil {
		test.Fatalf("expected reserve to succeed after two conflicts, got %v", err)
	}

	*store.conflictsToInject = 3
	_, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 10), mustIdempotencyKey(test, "conflict-fail"), MetadataJSON{})
	if !errors.Is(err, ErrConcurrentUpdateConflict) {
		test.Fatalf("expected ErrConcurrentUpdateConflict, got %v", err)
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 90 || balance.ReservedTokens != 10 {
		test.Fatalf("exhausted retries must leave balance unchanged, got %+v", balance)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestOperationsRejectZeroValueIdentifiers(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test), &testClock{now: 1})
	userID := mustUserID(test, "validation-user")
	key := mustIdempotencyKey(test, "validation-key")
	if _, err := service.Reserve(context.Background(), UserID{}, mustPositiveTokens(test, 1), key, MetadataJSON{}); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 1), IdempotencyKey{}, MetadataJSON{}); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if _, err := service.Commit(context.Background(), ReservationID{}, 0, key, MetadataJSON{}); !errors.Is(err, ErrInvalidReservationID) {
		test.Fatalf("expected ErrInvalidReservationID, got %v", err)
	}
	if err := service.Credit(context.Background(), userID, 1, RefID{}, key, MetadataJSON{}); !errors.Is(err, ErrInvalidRefID) {
		test.Fatalf("expected ErrInvalidRefID, got %v", err)
	}
	if _, err := service.Commit(context.Background(), mustReservationID(test, "missing"), 0, key, MetadataJSON{}); !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

// assertReservationsBalanced checks that committed plus released tokens equal the reserved
// tokens for every reservation id.
func assertReservationsBalanced(test *testing.T, store *stubStore) {
	test.Helper()
	reserved := make(map[string]int64)
	settled := make(map[string]int64)
	for _, transaction := range store.transactionsByType(TransactionReserve) {
		reserved[transaction.RefID.String()] += transaction.AmountTokens
	}
	for _, transactionType := range []TransactionType{TransactionCommit, TransactionRelease} {
		for _, transaction := range store.transactionsByType(transactionType) {
			settled[transaction.RefID.String()] += transaction.AmountTokens
		}
	}
	for reservationID, amount := range reserved {
		if settled[reservationID] != amount {
			test.Fatalf("reservation %s: reserved %d, settled %d", reservationID, amount, settled[reservationID])
		}
	}
}

func TestReleaseCannotReplayCommitRemainder(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "remainder-user")
	mustCredit(test, service, userID, 100, "remainder-credit")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 100), mustIdempotencyKey(test, "k-reserve"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Commit(context.Background(), reservation.ID, mustTokens(test, 40), mustIdempotencyKey(test, "k"), MetadataJSON{}); err != nil {
		test.Fatalf("commit: %v", err)
	}

	err = service.Release(context.Background(), reservation.ID, mustIdempotencyKey(test, "k:remainder"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected ErrInvalidState releasing a committed reservation, got %v", err)
	}
	if releases := store.transactionsByType(TransactionRelease); len(releases) != 1 {
		test.Fatalf("expected only the remainder release, got %+v", releases)
	}
}

func TestCallerKeyShapedLikeRemainderDoesNotBlockCommit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: 10})
	userID := mustUserID(test, "namespace-user")
	mustCredit(test, service, userID, 500, "namespace-credit")
	first, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 100), mustIdempotencyKey(test, "reserve-a"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve a: %v", err)
	}
	second, err := service.Reserve(context.Background(), userID, mustPositiveTokens(test, 100), mustIdempotencyKey(test, "reserve-b"), MetadataJSON{})
	if err != nil {
		test.Fatalf("reserve b: %v", err)
	}
	if err := service.Release(context.Background(), first.ID, mustIdempotencyKey(test, "job:remainder"), MetadataJSON{}); err != nil {
		test.Fatalf("release a: %v", err)
	}

	result, err := service.Commit(context.Background(), second.ID, mustTokens(test, 10), mustIdempotencyKey(test, "job"), MetadataJSON{})
	if err != nil {
		test.Fatalf("commit b: %v", err)
	}
	if result.CommittedTokens != 10 || result.ReleasedTokens != 90 {
		test.Fatalf("expected committed=10 released=90, got %+v", result)
	}
	balance := store.mustBalance(test, userID)
	if balance.AvailableTokens != 490 || balance.ReservedTokens != 0 {
		test.Fatalf("expected available=490 reserved=0, got %+v", balance)
	}
	assertReservationsBalanced(test, store)
}
