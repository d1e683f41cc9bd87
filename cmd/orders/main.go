package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vportella/storeflow/internal/admission"
	"github.com/vportella/storeflow/internal/messaging"
	"github.com/vportella/storeflow/internal/outbox"
	"github.com/vportella/storeflow/internal/payments"
	"github.com/vportella/storeflow/internal/redislock"
	"github.com/vportella/storeflow/internal/snowflake"
	"github.com/vportella/storeflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := otelruntime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		logger.Error("REDIS_ADDR environment variable is required")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	producer := messaging.NewProducer(strings.Split(kafkaBrokers, ","))
	defer func() { _ = producer.Close() }()

	datacenterID := envUint(logger, "DATACENTER_ID", 0)
	workerID := envUint(logger, "WORKER_ID", 0)

	ids, err := snowflake.New(datacenterID, workerID)
	if err != nil {
		logger.Error("invalid id generator configuration", "error", err)
		os.Exit(1)
	}

	outboxStore := outbox.NewSQLStore(db)
	publisher := outbox.NewPublisher(outboxStore, producer, logger)

	repo := admission.NewRepository(db)
	locker := redislock.NewLocker(rdb)
	guard := redislock.NewGuard(rdb)

	service := admission.NewService(repo, repo, locker, guard, ids, publisher, logger)
	handler := admission.NewHandler(service, repo, logger)

	paymentService := payments.NewService(repo, payments.SimulatedGateway{}, publisher, logger)
	paymentHandler := payments.NewHandler(paymentService, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleCreate))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleListByUser))
	mux.HandleFunc("GET /orders/{code}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("POST /payments", telemetry.WithHTTPRoute(paymentHandler.HandleProcess))
	mux.HandleFunc("GET /payments/{code}", telemetry.WithHTTPRoute(paymentHandler.HandleStatus))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "orders",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", port, "datacenter_id", datacenterID, "worker_id", workerID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	// Let in-flight outbox deliveries settle their row status.
	publisher.Wait()
}

func envUint(logger *slog.Logger, name string, def uint64) uint64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		logger.Error("invalid environment variable", "name", name, "value", raw)
		os.Exit(1)
	}
	return v
}
