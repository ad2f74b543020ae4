package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/logging"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/sweeper"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	flagEnvFile = "env-file"

	redisPingTimeout = 3 * time.Second
)

type flagBinding struct {
	name         string
	key          string
	defaultValue any
	usage        string
}

var flagBindings = []flagBinding{
	{name: "database-url", key: config.KeyDatabaseURL, defaultValue: "", usage: "PostgreSQL URL or SQLite path"},
	{name: "store-driver", key: config.KeyStoreDriver, defaultValue: config.StoreDriverGorm, usage: "store implementation: gorm or pgx"},
	{name: "grpc-listen-addr", key: config.KeyGRPCListenAddr, defaultValue: "", usage: "gRPC listen address"},
	{name: "http-listen-addr", key: config.KeyHTTPListenAddr, defaultValue: "", usage: "HTTP listen address"},
	{name: "webhook-secret", key: config.KeyWebhookSecret, defaultValue: "", usage: "payment provider webhook signing secret"},
	{name: "webhook-tolerance", key: config.KeyWebhookTolerance, defaultValue: time.Duration(0), usage: "allowed signature timestamp skew"},
	{name: "pack-catalog", key: config.KeyPackCatalog, defaultValue: "", usage: "one-time price/pack ids as id=tokens,..."},
	{name: "plan-catalog", key: config.KeyPlanCatalog, defaultValue: "", usage: "subscription price ids as id=tokens,..."},
	{name: "allowed-origins", key: config.KeyAllowedOrigins, defaultValue: "", usage: "comma-separated CORS origins for the wallet API"},
	{name: "session-signing-key", key: config.KeySessionSigningKey, defaultValue: "", usage: "session JWT signing key; empty disables the wallet API"},
	{name: "session-issuer", key: config.KeySessionIssuer, defaultValue: "", usage: "session JWT issuer"},
	{name: "session-cookie-name", key: config.KeySessionCookieName, defaultValue: "", usage: "session cookie name"},
	{name: "reservation-ttl", key: config.KeyReservationTTL, defaultValue: time.Duration(0), usage: "reservation lifetime before expiry"},
	{name: "max-attempts", key: config.KeyMaxAttempts, defaultValue: 0, usage: "attempts per ledger operation on version conflicts"},
	{name: "sweep-interval", key: config.KeySweepInterval, defaultValue: time.Duration(0), usage: "interval between expiry sweeps"},
	{name: "sweep-limit", key: config.KeySweepLimit, defaultValue: 0, usage: "reservations expired per sweep batch"},
	{name: "redis-addr", key: config.KeyRedisAddr, defaultValue: "", usage: "Redis address for the sweeper lock; empty runs unlocked"},
	{name: "redis-password", key: config.KeyRedisPassword, defaultValue: "", usage: "Redis password"},
	{name: "redis-db", key: config.KeyRedisDB, defaultValue: 0, usage: "Redis database number"},
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "tokenledgerd",
		Short:         "Token ledger with payment webhook reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	cmd.Flags().String(flagEnvFile, "", "optional .env file loaded before reading the environment")
	for _, binding := range flagBindings {
		switch value := binding.defaultValue.(type) {
		case string:
			cmd.Flags().String(binding.name, value, binding.usage)
		case int:
			cmd.Flags().Int(binding.name, value, binding.usage)
		case time.Duration:
			cmd.Flags().Duration(binding.name, value, binding.usage)
		}
	}
	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, error) {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return config.Config{}, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return config.Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(config.KeyDatabaseURL, config.EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return config.Config{}, err
	}
	for _, binding := range flagBindings {
		flag := cmd.Flags().Lookup(binding.name)
		if flag == nil {
			return config.Config{}, fmt.Errorf("flag %s is not registered", binding.name)
		}
		if err := v.BindPFlag(binding.key, flag); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(v)
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	registry := metrics.NewRegistry()
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithOperationObserver(registry),
		ledger.WithReservationTTL(cfg.ReservationTTL),
		ledger.WithMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	engine, err := webhook.NewEngine(ledgerService, webhook.Config{
		Secret:    cfg.WebhookSecret,
		Tolerance: cfg.WebhookTolerance,
		Packs:     cfg.Packs,
		Plans:     cfg.Plans,
	}, webhook.WithMetrics(registry), webhook.WithLogger(logger), webhook.WithClock(clock))
	if err != nil {
		return fmt.Errorf("webhook engine init: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}, httpapi.Dependencies{Ledger: ledgerService, Webhooks: engine, Metrics: registry.Handler(), Logger: logger})
	if err != nil {
		return fmt.Errorf("http router init: %w", err)
	}

	locker, closeLocker, err := newSweepLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()
	reservationSweeper, err := sweeper.New(ledgerService, locker, registry, logger, sweeper.Config{
		Interval: cfg.SweepInterval,
		Limit:    cfg.SweepLimit,
	})
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	grpcserver.Register(grpcServer, grpcserver.NewTokenLedgerServer(ledgerService))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		return httpapi.Serve(groupCtx, logger, cfg.HTTPListenAddr, router)
	})
	group.Go(func() error {
		reservationSweeper.Run(groupCtx)
		return nil
	})
	return group.Wait()
}

func newSweepLocker(ctx context.Context, cfg config.Config, logger *zap.Logger) (sweeper.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("sweeper running without a distributed lock")
		return sweeper.LocalLocker{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return sweeper.NewRedisLocker(client), func() { _ = client.Close() }, nil
}
