// Package sweeper expires overdue reservations on a fixed interval.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 30 * time.Second
	defaultLimit    = 100
	lockName        = "tokenledger:sweeper"
)

var (
	// ErrInvalidConfig reports a missing sweeper dependency.
	ErrInvalidConfig = errors.New("invalid sweeper configuration")
)

// Expirer expires up to limit overdue reservations and reports how many it closed.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Locker grants at most one sweeper across replicas the right to run a pass.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Observer receives the outcome of every pass that held the lock.
type Observer interface {
	ObserveSweep(expired int, err error)
}

// Config holds the sweeper timing.
type Config struct {
	Interval time.Duration
	Limit    int
}

// Sweeper runs ExpireDue until the context is cancelled.
type Sweeper struct {
	expirer  Expirer
	locker   Locker
	observer Observer
	logger   *zap.Logger
	interval time.Duration
	limit    int
}

// New validates dependencies and applies defaults. A nil locker runs every pass unconditionally.
func New(expirer Expirer, locker Locker, observer Observer, logger *zap.Logger, config Config) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("%w: expirer is nil", ErrInvalidConfig)
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	limit := config.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Sweeper{expirer: expirer, locker: locker, observer: observer, logger: logger, interval: interval, limit: limit}, nil
}

// Run sweeps once immediately and then on every tick.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		if _, err := sweeper.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			sweeper.logger.Error("reservation sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass under the lock. Batches repeat while a full page comes back.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	release, acquired, err := sweeper.locker.TryLock(ctx, lockName, sweeper.interval)
	if err != nil {
		return 0, err
	}
	if !acquired {
		sweeper.logger.Debug("reservation sweep skipped; lock held elsewhere")
		return 0, nil
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			sweeper.logger.Warn("sweeper lock release failed", zap.Error(releaseErr))
		}
	}()

	total := 0
	for {
		expired, err := sweeper.expirer.ExpireDue(ctx, sweeper.limit)
		total += expired
		if err != nil {
			sweeper.observe(total, err)
			return total, err
		}
		if expired < sweeper.limit || ctx.Err() != nil {
			break
		}
	}
	sweeper.observe(total, nil)
	if total > 0 {
		sweeper.logger.Info("reservations expired", zap.Int("count", total))
	}
	return total, nil
}

func (sweeper *Sweeper) observe(expired int, err error) {
	if sweeper.observer != nil {
		sweeper.observer.ObserveSweep(expired, err)
	}
}

// LocalLocker always grants the lock; it suits single-replica deployments.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
