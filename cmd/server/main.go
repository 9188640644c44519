package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/redisbus"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	memlock "github.com/Wyydra/yacall/internal/adapter/driven/lock/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/lock/redislock"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	"github.com/Wyydra/yacall/internal/adapter/driven/payment/fake"
	"github.com/Wyydra/yacall/internal/adapter/driven/payment/monnify"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/postgres"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "yacall",
		Usage: "Metered voice and video call billing server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP listen port"},
			&cli.StringFlag{Name: "env", Aliases: []string{"e"}, Usage: "Environment (development, production)"},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "Log level"},
			&cli.StringFlag{Name: "database-url", Aliases: []string{"d"}, Usage: "Postgres URL, empty for in-memory stores"},
			&cli.StringFlag{Name: "redis-addr", Aliases: []string{"r"}, Usage: "Redis address for distributed locks and fanout"},
			&cli.StringFlag{Name: "payment-provider", Usage: "Payment provider (monnify, fake)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(c *cli.Context) error {
	cfg := config.Load()

	if c.IsSet("port") {
		cfg.App.Port = c.String("port")
	}
	if c.IsSet("env") {
		cfg.App.Env = c.String("env")
	}
	if c.IsSet("log-level") {
		cfg.App.LogLevel = c.String("log-level")
	}
	if c.IsSet("database-url") {
		cfg.DB.URL = c.String("database-url")
	}
	if c.IsSet("redis-addr") {
		cfg.Redis.Addr = c.String("redis-addr")
	}
	if c.IsSet("payment-provider") {
		cfg.Payment.Provider = c.String("payment-provider")
	}

	logger.Setup(cfg.App.Env, cfg.App.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	var (
		ledgerStore port.LedgerStore
		callStore   port.CallSessionStore
	)
	if cfg.DB.URL != "" {
		pool, err := postgres.Connect(ctx, cfg.DB.URL, int32(cfg.DB.MaxConns))
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		ledgerStore = postgres.NewLedgerRepository(pool)
		callStore = postgres.NewCallRepository(pool)
		log.Info().Msg("Using postgres stores")
	} else {
		ledgerStore = repo.NewLedgerRepository()
		callStore = repo.NewCallRepository()
		log.Warn().Msg("DATABASE_URL not set, using in-memory stores")
	}

	hub := ws.NewHub()

	var (
		locker     port.Locker
		signaling  port.SignalingGateway = hub
		subscriber *redisbus.Subscriber
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = redislock.NewLocker(rdb, cfg.Redis.LockTTL, 0)
		signaling = redisbus.NewPublisher(rdb, cfg.Redis.Channel)
		subscriber = redisbus.NewSubscriber(rdb, cfg.Redis.Channel, hub)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis locks and signaling fanout")
	} else {
		locker = memlock.NewLocker()
	}

	var payments port.PaymentGateway
	switch cfg.Payment.Provider {
	case "monnify":
		payments = monnify.NewClient(monnify.Config{
			BaseURL:      cfg.Payment.BaseURL,
			APIKey:       cfg.Payment.APIKey,
			SecretKey:    cfg.Payment.SecretKey,
			ContractCode: cfg.Payment.ContractCode,
			RedirectURL:  cfg.Payment.RedirectURL,
			Timeout:      cfg.Payment.Timeout,
		})
	default:
		log.Warn().Msg("Using fake payment gateway")
		payments = fake.NewGateway()
	}

	walletService := service.NewWalletService(ledgerStore, locker, payments, recorder, service.WalletConfig{
		Currency:     cfg.Billing.Currency,
		PinCost:      cfg.Billing.PinCost,
		StoreTimeout: cfg.App.StoreTimeout,
	})
	callService := service.NewCallService(callStore, walletService, signaling, recorder, service.CallConfig{
		BaseRate:        cfg.Billing.BaseRate,
		VideoMultiplier: int64(cfg.Billing.VideoMultiplier),
		Currency:        cfg.Billing.Currency,
		StoreTimeout:    cfg.App.StoreTimeout,
		NotifyTimeout:   cfg.App.NotifyTimeout,
	})
	sweeper := service.NewSweeper(callService, service.SweeperConfig{
		Interval:       cfg.Sweeper.Interval,
		AcceptDeadline: cfg.Sweeper.AcceptDeadline,
		RingTimeout:    cfg.Sweeper.RingTimeout,
		BatchSize:      cfg.Sweeper.BatchSize,
	})

	h := handler.NewHandler(walletService, callService, hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.App.AllowedOrigins)

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if subscriber != nil {
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info().Str("port", cfg.App.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		hub.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}
