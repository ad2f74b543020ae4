package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const testDatabaseURLEnv = "TOKENLEDGER_TEST_DATABASE_URL"

func openTestStore(test *testing.T) *Store {
	test.Helper()
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skip(testDatabaseURLEnv + " not set")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		test.Fatalf("parse database url: %v", err)
	}
	poolConfig.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		test.Fatalf("open pool: %v", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	test.Cleanup(func() {
		_ = sqlDB.Close()
		pool.Close()
	})
	if err := migrations.Up(context.Background(), sqlDB); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(pool)
}

func TestWithTxRollsBackWhenCallbackPanics(test *testing.T) {
	store := openTestStore(test)
	userID, err := ledger.NewUserID("pg-panic-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	now := time.Now().UTC().Unix()

	func() {
		defer func() {
			if recover() == nil {
				test.Fatalf("expected panic to propagate")
			}
		}()
		_ = store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
			if err := txStore.CreateBalance(ctx, ledger.Balance{UserID: userID, CreatedUnixUTC: now, UpdatedUnixUTC: now}); err != nil {
				return err
			}
			panic("callback failure")
		})
	}()

	// The pool holds one connection, so a leaked transaction would block here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, err := txStore.GetBalance(ctx, userID)
		return err
	})
	if !errors.Is(err, ledger.ErrUnknownBalance) {
		test.Fatalf("expected rolled back balance, got %v", err)
	}
	if err := store.CreateBalance(ctx, ledger.Balance{UserID: userID, CreatedUnixUTC: now, UpdatedUnixUTC: now}); err != nil {
		test.Fatalf("expected balance row to be free after rollback: %v", err)
	}
}
