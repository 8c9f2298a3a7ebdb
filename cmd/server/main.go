package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopsphere/payment-engine/internal/api"
	"github.com/shopsphere/payment-engine/internal/config"
	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/handler"
	"github.com/shopsphere/payment-engine/internal/infrastructure/kafka"
	"github.com/shopsphere/payment-engine/internal/infrastructure/redis"
	"github.com/shopsphere/payment-engine/internal/observability"
	core "github.com/shopsphere/payment-engine/internal/repository/postgres"
	"github.com/shopsphere/payment-engine/internal/scheduler"
	service "github.com/shopsphere/payment-engine/internal/services"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, _ := observability.Setup("payment-engine")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	transactionRepo := core.NewPostgresTransactionRepository(db)
	orderRepo := core.NewPostgresOrderRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	notifier := kafka.NewKafkaNotifier(producer)

	// The gateway capability is resolved once at startup. Without the full
	// credential set, webhook secret included, the payment endpoints answer
	// 503 instead of failing per request.
	var gatewayClient service.GatewayClient
	if cfg.GatewayConfigured() {
		gatewayClient = gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret)
	} else {
		log.Println("GATEWAY_KEY_ID/GATEWAY_KEY_SECRET/GATEWAY_WEBHOOK_SECRET not set: payment features are disabled")
	}

	paymentSvc := service.NewPaymentService(transactionRepo, orderRepo, gatewayClient, redisClient, notifier)
	webhookSvc := service.NewWebhookService(transactionRepo, orderRepo, notifier)

	sched := scheduler.New(transactionRepo, orderRepo, gatewayClient, producer, notifier, redisClient, scheduler.Config{})
	sched.Start(context.Background())
	defer sched.Stop()

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	reconcileConsumer := kafka.NewReconcileConsumer(cfg.KafkaBrokers, "payment-engine-reconcile", sched)
	go reconcileConsumer.Consume(consumerCtx)
	defer reconcileConsumer.Close()

	h := handler.NewHandler(paymentSvc, webhookSvc, cfg.GatewayWebhookSecret)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
