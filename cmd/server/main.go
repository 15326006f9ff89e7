package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/jobs"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)
	log.Println("Kafka producer initialized")

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	scheduler := jobs.NewScheduler(redisOpt)
	defer scheduler.Close()

	reservationTTL := time.Duration(cfg.Business.ReservationTTLSeconds) * time.Second
	sessionTTL := time.Duration(cfg.Business.PaymentSessionSeconds) * time.Second
	orderTTL := time.Duration(cfg.Business.OrderExpiryMinutes) * time.Minute
	cleanupInterval := time.Duration(cfg.Business.CleanupIntervalSeconds) * time.Second
	reconcileInterval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second

	ledger := service.NewStockLedger(redisClient, reservationTTL)
	queue := service.NewPaymentQueue(redisClient, cfg.Business.MaxConcurrentPayments, sessionTTL)
	vouchers := service.NewVoucherAllocator(redisClient, cfg.Business.MaxVouchersPerUser)
	guard := service.NewIdempotencyGuard(redisClient)
	admission := service.NewAdmissionCoordinator(queue, db, scheduler, publisher, orderTTL)
	checkout := service.NewCheckoutService(db, ledger, vouchers, queue, admission, scheduler, publisher, orderTTL)
	settlement := service.NewSettlementService(db, ledger, guard, admission, scheduler, publisher)
	expiry := service.NewExpiryService(db, ledger, vouchers, queue, admission, publisher)
	reconciler := service.NewReconciler(db, ledger, vouchers, reconcileInterval)

	ctx := context.Background()
	if err := reconciler.SyncAtBoot(ctx); err != nil {
		log.Printf("Failed to seed fast store: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	expiryServer := jobs.NewServer(redisOpt)
	go func() {
		if err := expiryServer.Run(jobs.NewExpiryMux(expiry.HandleOrderExpiry)); err != nil {
			log.Printf("Expiry server error: %v", err)
		}
	}()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notifier := worker.NewNotificationWorker(consumer, db)
	go func() {
		if err := notifier.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	cleaner := worker.NewCleanupWorker(queue, ledger, admission, cleanupInterval)
	go cleaner.Start(workerCtx)

	go reconciler.Run(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkout, settlement, queue, ledger, cfg.Webhook.Secret)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	expiryServer.Shutdown()
	notifier.Stop()

	log.Println("Server exited")
}
