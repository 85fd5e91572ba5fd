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

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/trustline/broadcast-engine/internal/abtest"
	"github.com/trustline/broadcast-engine/internal/api"
	"github.com/trustline/broadcast-engine/internal/approval"
	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/automation"
	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/dispatch"
	"github.com/trustline/broadcast-engine/internal/orchestrator"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
	"github.com/trustline/broadcast-engine/internal/recipients"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	cancelPing()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Bad redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "error", err)
		}
	}

	broadcasts := postgres.NewBroadcastRepo(db)
	outcomes := postgres.NewOutcomeRepo(db)
	rules := postgres.NewRuleRepo(db)
	templates := postgres.NewTemplateRepo(db)
	store := recipients.NewPostgresStore(db)

	resolver := audience.NewResolver(store)
	workflow := approval.New(cfg.Approval)
	evaluator := abtest.NewEvaluator(cfg.ABTest)
	orch := orchestrator.New(broadcasts, outcomes, resolver, workflow, evaluator, rules, cfg.Dispatch)

	// The engine here only serves HandleEvent for the /api/events
	// endpoint; the ticker runs in cmd/worker.
	engine := automation.NewEngine(rules, templates, resolver, orch, cfg.Automation)
	deliveries := dispatch.NewDeliveryProcessor(outcomes)

	pingers := map[string]func(context.Context) error{
		"postgres": db.PingContext,
	}
	if redisClient != nil {
		pingers["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	srv := api.NewServer(orch, broadcasts, outcomes, rules, templates, resolver, deliveries, engine, pingers)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()
}
