package main

import (
	"context"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/cart"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	"github.com/Sertturk16/e-commerce-api/internal/config"
	"github.com/Sertturk16/e-commerce-api/internal/httpx"
	kafkax "github.com/Sertturk16/e-commerce-api/internal/kafka"
	"github.com/Sertturk16/e-commerce-api/internal/lockx"
	"github.com/Sertturk16/e-commerce-api/internal/order"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()
	if err := postgres.Migrate(pool); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(context.Background())

	// Core services
	locks := &lockx.Manager{Redis: rdb, TTL: cfg.LockTTL, Timeout: cfg.LockTimeout}
	carts := &cart.Service{
		DB:             pool,
		Store:          cart.PostgresStore{},
		Stock:          catalog.PostgresStore{},
		Locks:          locks,
		ReservationTTL: cfg.ReservationTTL,
		AnonCartTTL:    cfg.AnonCartTTL,
	}
	orders := &order.Service{
		DB:       pool,
		Runner:   postgres.PoolRunner{Pool: pool},
		Store:    order.PostgresStore{},
		Stock:    catalog.PostgresStore{},
		Carts:    carts,
		Locks:    locks,
		Producer: prod,
		Redis:    rdb,
		Name:     cfg.ServiceName,
	}

	// Router & handlers
	router := httpx.NewRouter()
	(&httpx.CartHandler{Carts: carts}).Register(router)
	(&httpx.OrdersHandler{Orders: orders, Redis: rdb}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	sweeper := &cart.Sweeper{DB: pool, Store: cart.PostgresStore{}, Interval: cfg.SweepInterval}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	}

	prod.Close() // close inbox -> flush & close writer
	prod.WaitClosed()
	log.Info().Msg("bye")
}
