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

	"funnel-service/config"
	"funnel-service/internal/api"
	"funnel-service/internal/broker"
	"funnel-service/internal/mailer"
	"funnel-service/internal/redisclient"
	"funnel-service/internal/service"
	"funnel-service/internal/store"
	"funnel-service/internal/util"
	"funnel-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting funnel service")

	tp, err := util.InitTracer("funnel-service", cfg.Observ.JaegerEndpoint)
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

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTasks)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	taskPublisher := broker.NewTaskPublisher(producer)

	payments := service.NewStripePayments(cfg.Stripe.SecretKey, cfg.Server.Env)
	shipping := service.NewShippingClient(cfg.Shipping.APIKey, cfg.Shipping.BaseURL)
	metaClient := service.NewMetaClient(cfg.Meta.BaseURL, cfg.Meta.APIVersion)
	warehouse := service.NewWarehouseClient(cfg.Warehouse.IngestURL, cfg.Warehouse.Token)
	smtpSender := mailer.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)

	eventService := service.NewEventService(
		db,
		redisClient,
		metaClient,
		warehouse,
		cfg.Business.RateWindow,
		cfg.Business.FreePlanEventLimit,
	)

	cartService := service.NewCartService(
		db,
		payments,
		shipping,
		eventService,
		taskPublisher,
		smtpSender,
		cfg.Business.FeePercentage,
		cfg.Business.UpsellAbandonTimeout,
		cfg.Business.CheckoutAbandonTimeout,
		cfg.Business.FanWaitTimeout,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	taskConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTasks, cfg.Kafka.ConsumerGroup)
	taskWorker := worker.NewTaskWorker(taskConsumer, cartService)
	go func() {
		if err := taskWorker.Start(workerCtx); err != nil {
			log.Printf("Task worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(cartService)
	if err := sweepWorker.Start(workerCtx); err != nil {
		log.Fatalf("Failed to start sweep worker: %v", err)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(cartService, eventService)
	handler.SetupRoutes(router)

	webhookHandler := api.NewWebhookHandler(cartService, cfg.Stripe.WebhookSecret)
	webhookHandler.SetupRoutes(router)

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
	taskWorker.Stop()
	sweepWorker.Stop()

	log.Println("Server exited")
}
