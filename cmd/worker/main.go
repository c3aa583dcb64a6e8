package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/ignite/greeting-service/internal/api"
	"github.com/ignite/greeting-service/internal/broker"
	"github.com/ignite/greeting-service/internal/config"
	"github.com/ignite/greeting-service/internal/delivery"
	"github.com/ignite/greeting-service/internal/metrics"
	"github.com/ignite/greeting-service/internal/pkg/httpretry"
	"github.com/ignite/greeting-service/internal/pkg/logger"
	"github.com/ignite/greeting-service/internal/repository/postgres"
	"github.com/ignite/greeting-service/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	log.Println("Starting greeting delivery worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Delivery.EmailServiceURL == "" {
		log.Fatalf("Invalid config: delivery email service url is required (EMAIL_SERVICE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	b, err := broker.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer b.Close()

	m := metrics.New()

	client := delivery.NewClient(delivery.Options{
		URL:                    cfg.Delivery.EmailServiceURL,
		Timeout:                cfg.Delivery.TimeoutDuration(),
		MaxRetries:             cfg.Delivery.MaxRetries,
		RetryDelay:             time.Duration(cfg.Delivery.RetryDelayMS) * time.Millisecond,
		MaxDelay:               time.Duration(cfg.Delivery.MaxDelayMS) * time.Millisecond,
		Backoff:                httpretry.Backoff(cfg.Delivery.RetryBackoff),
		BreakerErrorThreshold:  cfg.Delivery.BreakerErrRate,
		BreakerVolumeThreshold: uint32(cfg.Delivery.BreakerVolume),
		BreakerResetTimeout:    time.Duration(cfg.Delivery.BreakerResetSec) * time.Second,
		OnBreakerStateChange: func(from, to gobreaker.State) {
			m.SetBreakerState(to)
			log.Printf("Circuit breaker: %s -> %s", from, to)
		},
	})

	if cfg.Redis.URL != "" {
		limiter, err := delivery.NewSendRateLimiterFromURL(cfg.Redis.URL, cfg.Delivery.RatePerSecond)
		if err != nil {
			log.Fatalf("Failed to connect send rate limiter: %v", err)
		}
		defer limiter.Close()
		client.SetRateLimiter(limiter)
	} else {
		log.Println("REDIS_URL not set, send rate limiter disabled")
	}

	consumer, err := broker.NewConsumer(b, hostnameTag(), cfg.Worker.PrefetchCount)
	if err != nil {
		log.Fatalf("Failed to open consumer: %v", err)
	}
	defer consumer.Close()

	logRepo := postgres.NewMessageLogRepo(db)
	userRepo := postgres.NewUserRepo(db)

	pool := worker.NewPool(consumer, logRepo, userRepo, client,
		cfg.Worker.Concurrency, cfg.Worker.MaxRetries, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	srv := api.NewServer(cfg.HTTP.Addr, db, b, m)
	srv.Start()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	pool.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	log.Println("Worker stopped")
}

func hostnameTag() string {
	host, err := os.Hostname()
	if err != nil {
		return "greeting-worker"
	}
	return "greeting-worker-" + host
}
