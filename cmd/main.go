/**
 * @description
 * This is the main entry point for the allocation service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the payment processor client, message brokers,
 * repositories, the core application services, the cron scheduler, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/processorclient: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/WeWriteApp/WeWrite-sub006/internal/api"
	"github.com/WeWriteApp/WeWrite-sub006/internal/app"
	"github.com/WeWriteApp/WeWrite-sub006/internal/config"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
	rmrabbit "github.com/WeWriteApp/WeWrite-sub006/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting allocation-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment processor API.
	processorClient := processorclient.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey)

	// Optional Redis for payout request rate limiting.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; payout rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payout rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payout rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	allocationService := app.NewAllocationService(repository, publisher)
	settlementService := app.NewSettlementService(repository, processorClient, publisher, cfg.RevenuePoolID, cfg.EscrowPoolID)

	var limiter app.PayoutRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisPayoutRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	payoutService := app.NewPayoutService(repository, processorClient, publisher, limiter, app.PayoutConfig{
		MinPayoutCents:      cfg.MinPayoutThresholdCents,
		MaxAutomatedRetries: cfg.PayoutMaxRetries,
		RetryableCodes:      cfg.RetryableCodeSet(),
		RequestsPerHour:     cfg.PayoutRequestsPerHour,
	})
	webhookConsumer := app.NewWebhookConsumer(repository, payoutService)

	// Wire up the webhook consumer queue. If RabbitMQ is unavailable the HTTP
	// handler applies events inline instead of queueing them.
	var webhookProducer rmrabbit.Publisher
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; webhooks apply inline\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		webhookBindings := map[string]func([]byte) bool{
			app.WebhookReceivedKey: func(body []byte) bool {
				return webhookConsumer.HandleMessage(context.Background(), body)
			},
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.WebhooksExchange, cfg.WebhookEventQueue, webhookBindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"webhook consumer start failed; webhooks apply inline\" err=%v", err)
		} else if rabbitProducer == nil {
			// The fallback publisher drops messages; queueing webhooks through
			// it would acknowledge events that were never applied.
			log.Println("level=warn component=bootstrap msg=\"events producer unavailable; webhooks apply inline\"")
		} else {
			webhookProducer = rabbitProducer
			log.Println("level=info component=bootstrap msg=\"webhook consumer started\"")
		}
	}

	// Start the cron scheduler for settlement, retries, auto payouts, and audits.
	schedLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, settlementService, payoutService, processorClient, schedLogger, app.JobsConfig{
		AutoPayoutMinCents: cfg.MinPayoutThresholdCents,
	})
	scheduler := app.NewScheduler(jobs, schedLogger, app.SchedulerConfig{
		SettlementSchedule:     cfg.SettlementJobSchedule,
		PayoutRetrySchedule:    cfg.PayoutRetrySweepSchedule,
		AutoPayoutSchedule:     cfg.AutoPayoutSchedule,
		ReconciliationSchedule: cfg.ReconciliationSchedule,
	})
	scheduler.Start()

	// Initialize the API handlers and router.
	ledgerHandlers := api.NewLedgerHandlers(allocationService, payoutService, settlementService)
	webhookHandler := api.NewWebhookHandler(webhookProducer, webhookConsumer, cfg.ProcessorWebhookSecret)

	router := chi.NewRouter()
	router.Mount("/", api.LedgerRoutes(ledgerHandlers, webhookHandler, cfg.ClerkJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
