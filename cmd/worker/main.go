// The worker binary runs the background half of the engine: the
// per-channel dispatch pools, the broadcast scheduler, and the
// automation rule ticker. It shares the database and Redis with the API
// server; the distributed locks keep multiple workers from double-acting.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/trustline/broadcast-engine/internal/abtest"
	"github.com/trustline/broadcast-engine/internal/approval"
	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/automation"
	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/dispatch"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/orchestrator"
	"github.com/trustline/broadcast-engine/internal/pkg/distlock"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
	"github.com/trustline/broadcast-engine/internal/ratelimit"
	"github.com/trustline/broadcast-engine/internal/recipients"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
	"github.com/trustline/broadcast-engine/internal/template"
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

	// Rate limiting needs shared counters; a worker without Redis would
	// silently ignore the channel caps, so refuse to start.
	if cfg.Redis.URL == "" {
		log.Fatal("REDIS_URL is required for the worker (rate-limit counters)")
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Bad redis URL: %v", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis unreachable: %v", err)
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

	footers := map[domain.Channel]string{}
	for _, ch := range domain.AllChannels {
		if f := cfg.Compliance.FooterFor(ch); f != "" {
			footers[ch] = f
		}
	}
	renderer := template.NewRenderer(footers)
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimits)
	transports := dispatch.NewTransports(cfg.Transports)

	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, outcomes, broadcasts, store, renderer, limiter, transports)
	scheduler := orchestrator.NewScheduler(orch,
		distlock.New(redisClient, db, "broadcast-scheduler", 30*time.Second), 15*time.Second)
	engine := automation.NewEngine(rules, templates, resolver, orch, cfg.Automation)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	scheduler.Start(ctx)
	if cfg.Automation.Enabled {
		engine.Start(ctx)
	} else {
		logger.Info("automation engine disabled by config")
	}
	logger.Info("worker running", "transports", len(transports))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("worker shutting down")
	if cfg.Automation.Enabled {
		engine.Stop()
	}
	scheduler.Stop()
	dispatcher.Stop()
	cancel()
	redisClient.Close()
	db.Close()
}
