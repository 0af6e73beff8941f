package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/flow-engine/internal/api"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/config"
	"github.com/ignite/flow-engine/internal/events"
	"github.com/ignite/flow-engine/internal/mailing"
	"github.com/ignite/flow-engine/internal/pkg/distlock"
	"github.com/ignite/flow-engine/internal/pkg/logger"
	"github.com/ignite/flow-engine/internal/repository/memory"
	"github.com/ignite/flow-engine/internal/repository/postgres"
	"github.com/ignite/flow-engine/internal/repository/redisq"
	"github.com/ignite/flow-engine/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Starting flow engine worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openDatabase(ctx, cfg.Database)
	if db != nil {
		defer db.Close()
	}
	rdb := openRedis(ctx, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}

	deps := buildStores(cfg, db, rdb)
	deps.Locks = func(name string) distlock.DistLock {
		return distlock.NewLock(rdb, db, name, time.Duration(cfg.Automation.StaleClaimSeconds)*time.Second)
	}
	deps.Mail = buildMailGateway(ctx, cfg.SES, db)
	deps.Webhooks = webhook.NewDispatcher(webhook.Options{
		Timeout:    cfg.Webhook.Timeout(),
		MaxRetries: cfg.Webhook.Retries,
		Secret:     cfg.Webhook.Secret,
	})

	engine, err := automation.NewEngine(deps, cfg.Automation.EngineConfig())
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	if cfg.Automation.Enabled {
		if err := engine.Start(ctx); err != nil {
			log.Fatalf("Failed to start engine: %v", err)
		}
		log.Printf("Scheduler started (%d workers, %s queue)", cfg.Automation.Workers, cfg.Automation.QueueBackend)
	} else {
		log.Println("Automation disabled; serving intake only")
	}

	bus := events.NewBus(256)
	busDone, err := bus.Subscribe(ctx, engine)
	if err != nil {
		log.Fatalf("Failed to subscribe event bus: %v", err)
	}

	var consumer *events.Consumer
	if cfg.SQS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		consumer = events.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL, engine)
		consumer.Start(ctx)
		log.Printf("SQS consumer started (%s)", cfg.SQS.QueueURL)
	}

	handlers := api.NewHandlers(engine, bus)
	health := api.NewHealthChecker(db, rdb, engine)
	router := api.NewRouter(handlers, health, api.RouterOptions{
		APIKey:         cfg.Server.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	server := api.NewServer(cfg.Server.Addr(), router)
	go func() {
		log.Printf("API listening on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := bus.Close(); err != nil {
		log.Printf("Event bus close: %v", err)
	}
	<-busDone
	engine.Stop()
	cancel()

	log.Println("Worker stopped")
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) *sql.DB {
	if cfg.URL == "" {
		log.Println("No database configured; using in-memory stores")
		return nil
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	if cfg.AutoMigrate {
		n, err := postgres.Migrate(ctx, db)
		if err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Printf("Applied %d migrations", n)
	}
	return db
}

func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis")
	return rdb
}

// buildStores picks Postgres repositories when a database is configured and
// in-memory ones otherwise. The queue follows automation.queue_backend.
func buildStores(cfg *config.Config, db *sql.DB, rdb *redis.Client) automation.Deps {
	var deps automation.Deps
	if db != nil {
		subs := postgres.NewSubscriberRepo(db)
		deps.Definitions = postgres.NewDefinitionRepo(db)
		deps.Flows = postgres.NewFlowRepo(db)
		deps.Subscribers = subs
		deps.Audience = subs
	} else {
		subs := memory.NewSubscribers()
		deps.Definitions = memory.NewDefinitions()
		deps.Flows = memory.NewFlows()
		deps.Subscribers = subs
		deps.Audience = subs
	}

	switch cfg.Automation.QueueBackend {
	case config.QueueRedis:
		deps.Queue = redisq.NewQueue(rdb, redisq.DefaultPrefix)
	case config.QueuePostgres:
		deps.Queue = postgres.NewQueueRepo(db)
	default:
		deps.Queue = memory.NewQueue()
	}
	return deps
}

func buildMailGateway(ctx context.Context, cfg config.SESConfig, db *sql.DB) automation.MailGateway {
	if cfg.FromEmail == "" {
		log.Println("SES sender not configured; send_email steps will stop their flows")
		return nil
	}
	sesCfg := mailing.SESConfig{
		Region:           cfg.Region,
		AccessKey:        cfg.AccessKey,
		SecretKey:        cfg.SecretKey,
		FromEmail:        cfg.FromEmail,
		FromName:         cfg.FromName,
		ConfigurationSet: cfg.ConfigurationSet,
	}
	client, err := mailing.NewSESClient(ctx, sesCfg)
	if err != nil {
		log.Fatalf("Failed to build SES client: %v", err)
	}

	var templates mailing.TemplateStore = memory.NewTemplates()
	if db != nil {
		templates = postgres.NewTemplateRepo(db)
	}
	return mailing.NewGateway(client, templates, mailing.NewRenderer(), sesCfg)
}
