package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/lumashop-service/internal/auth"
	"github.com/vasiliy-maslov/lumashop-service/internal/cache"
	"github.com/vasiliy-maslov/lumashop-service/internal/config"
	"github.com/vasiliy-maslov/lumashop-service/internal/db"
	"github.com/vasiliy-maslov/lumashop-service/internal/events"
	handler "github.com/vasiliy-maslov/lumashop-service/internal/handler/http"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
	"github.com/vasiliy-maslov/lumashop-service/internal/product"
)

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	log.Logger = log.With().Str("service", cfg.Name).Logger()
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Str("env", cfg.App.Env).Msg("Lumashop service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pg, err := db.New(connectCtx, cfg.Postgres)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	productRepo := product.NewRepository(pg.Pool)
	orderRepo := order.NewRepository(pg.Pool)

	var (
		orderOpts []order.Option
		idem      handler.IdempotencyStore
	)

	if cfg.Redis.Enabled {
		rdb, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()

		orderOpts = append(orderOpts, order.WithCache(cache.NewOrderCache(rdb, cfg.Redis.OrderTTL)))
		idem = cache.NewIdempotencyStore(rdb, cfg.Redis.IdempotencyTTL)
	}

	var producer *events.Producer
	if cfg.Kafka.Enabled {
		producer = events.NewProducer(cfg.Kafka)
		orderOpts = append(orderOpts, order.WithPublisher(events.NewOrderEvents(producer)))
	}

	authz, err := auth.NewAuthorizer(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build access policy")
	}

	orderService := order.NewService(orderRepo, productRepo, pg, orderOpts...)
	productService := product.NewService(productRepo)

	router := handler.NewRouter(
		log.Logger,
		authz,
		handler.NewOrderHandler(orderService, idem),
		handler.NewProductHandler(productService),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	if producer != nil {
		if err := producer.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to flush kafka producer")
		}
	}
	log.Info().Msg("Server stopped")
}
