package main

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	"github.com/Sertturk16/e-commerce-api/internal/config"
	kafkax "github.com/Sertturk16/e-commerce-api/internal/kafka"
	"github.com/Sertturk16/e-commerce-api/internal/order"
	"github.com/Sertturk16/e-commerce-api/internal/payments"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", cfg.ServiceName+"-payments").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer for order.paid / order.payment.failed follow-ups.
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(context.Background())

	orders := &order.Service{
		DB:       pool,
		Runner:   postgres.PoolRunner{Pool: pool},
		Store:    order.PostgresStore{},
		Stock:    catalog.PostgresStore{},
		Producer: prod,
		Redis:    rdb,
		Name:     cfg.ServiceName + "-payments",
	}
	svc := &payments.Service{
		Orders:      orders,
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-payments",
	}

	group := getenv("PAYMENTS_GROUP", "payments-svc")
	// One worker per topic: payment events must not be skipped by an
	// out-of-order offset commit, and the transitions are cheap.
	workers := mustAtoi(os.Getenv("PAYMENTS_WORKERS"), "1")
	cAuth := kafkax.NewConsumer(cfg.KafkaBrokers, group, order.TopicPaymentAuthorized, workers)
	cFail := kafkax.NewConsumer(cfg.KafkaBrokers, group, order.TopicPaymentFailed, workers)

	go func() {
		log.Info().Str("group", group).Str("topic", order.TopicPaymentAuthorized).Int("workers", workers).Msg("payments consumer started")
		if err := cAuth.Start(ctx, svc.HandlePaymentAuthorized); err != nil {
			log.Error().Err(err).Msg("consumer exit")
			cancel()
		}
	}()
	go func() {
		log.Info().Str("group", group).Str("topic", order.TopicPaymentFailed).Int("workers", workers).Msg("payments consumer started")
		if err := cFail.Start(ctx, svc.HandlePaymentFailed); err != nil {
			log.Error().Err(err).Msg("consumer exit")
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down consumers...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
