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
	"github.com/redis/go-redis/v9"

	"github.com/ignite/greeting-service/internal/api"
	"github.com/ignite/greeting-service/internal/broker"
	"github.com/ignite/greeting-service/internal/config"
	"github.com/ignite/greeting-service/internal/metrics"
	"github.com/ignite/greeting-service/internal/pkg/distlock"
	"github.com/ignite/greeting-service/internal/pkg/logger"
	"github.com/ignite/greeting-service/internal/repository/postgres"
	"github.com/ignite/greeting-service/internal/scheduler"
	"github.com/ignite/greeting-service/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	log.Println("Starting greeting scheduler...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
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

	publisher, err := broker.NewPublisher(b)
	if err != nil {
		log.Fatalf("Failed to open publisher: %v", err)
	}
	defer publisher.Close()

	logRepo := postgres.NewMessageLogRepo(db)
	userRepo := postgres.NewUserRepo(db)
	partRepo := postgres.NewPartitionRepo(db)
	registry := strategy.NewDefaultRegistry()

	m := metrics.New()

	preCalc := scheduler.NewPreCalculator(userRepo, logRepo, registry)
	preCalc.SetObserver(m)
	enqueuer := scheduler.NewEnqueuer(logRepo, publisher,
		time.Duration(cfg.Scheduler.EnqueueWindowSec)*time.Second)
	sweeper := scheduler.NewRecoverySweeper(logRepo, publisher)
	sweeper.SetObserver(m)
	partitions := scheduler.NewPartitionMaintainer(partRepo,
		cfg.Scheduler.PartitionsAhead, cfg.Scheduler.RetentionMonths)

	// Redis-backed job locks when a client is configured, Postgres advisory
	// locks otherwise. The rate limiter and the locks share the same URL.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}
	locks := func(name string) distlock.Lock {
		return distlock.New(redisClient, db, "job:"+name, 15*time.Minute)
	}

	svc, err := scheduler.NewService(scheduler.CronSpecs{
		PreCalc:    cfg.Scheduler.PreCalcCron,
		Enqueue:    cfg.Scheduler.EnqueueCron,
		Recovery:   cfg.Scheduler.RecoveryCron,
		Partitions: cfg.Scheduler.PartitionCron,
	}, locks, preCalc, enqueuer, sweeper, partitions)
	if err != nil {
		log.Fatalf("Failed to build scheduler: %v", err)
	}

	// Drain any downtime backlog before the first cron tick fires.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	svc.RunStartupSweep(startupCtx)
	cancelStartup()

	svc.Start()

	srv := api.NewServer(cfg.HTTP.Addr, db, b, m)
	srv.Start()

	go pollStatusCounts(logRepo, m)

	log.Println("Scheduler running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down scheduler...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	svc.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	log.Println("Scheduler stopped")
}

// pollStatusCounts refreshes the per-status row gauges once a minute.
func pollStatusCounts(repo *postgres.MessageLogRepo, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		counts, err := repo.CountByStatus(ctx)
		cancel()
		if err != nil {
			log.Printf("Status count poll: %v", err)
			continue
		}
		for status, n := range counts {
			m.StatusRows.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
