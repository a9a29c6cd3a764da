package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tg_ai_relay_bot/internal/ai"
	"tg_ai_relay_bot/internal/config"
	"tg_ai_relay_bot/internal/convlog"
	"tg_ai_relay_bot/internal/health"
	"tg_ai_relay_bot/internal/logging"
	"tg_ai_relay_bot/internal/quota"
	"tg_ai_relay_bot/internal/registry"
	"tg_ai_relay_bot/internal/roles"
	"tg_ai_relay_bot/internal/settings"
	"tg_ai_relay_bot/internal/store"
	"tg_ai_relay_bot/internal/telegram"
	"tg_ai_relay_bot/internal/workflow"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	redisConnectTimeout     = 5 * time.Second
	bootstrapTimeout        = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
	telegramShutdownTimeout = 10 * time.Second
)

// redisPinger adapts the go-redis client to the health checker contract.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
		"ai_model": cfg.AIModel,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	redisCtx, cancelRedis := context.WithTimeout(context.Background(), redisConnectTimeout)
	rdb, err := store.NewRedis(redisCtx, cfg)
	cancelRedis()
	if err != nil {
		logger.WithError(err).Error("redis connection error")
		fmt.Fprintf(os.Stderr, "redis connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "redis_connect").Info("connected to redis")

	roleSets := roles.NewSets(mongoManager.Roles(), cfg.BotOwnerID, logger)
	settingsStore := settings.NewStore(mongoManager.Settings(), logger)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), bootstrapTimeout)
	err = func() error {
		if err := roleSets.Load(bootCtx); err != nil {
			return fmt.Errorf("load role sets: %w", err)
		}
		if err := roleSets.EnsureOwner(bootCtx); err != nil {
			return fmt.Errorf("bootstrap owner: %w", err)
		}
		return settingsStore.Load(bootCtx)
	}()
	cancelBoot()
	if err != nil {
		logger.WithError(err).Error("startup state error")
		fmt.Fprintf(os.Stderr, "startup state error: %v\n", err)
		os.Exit(1)
	}

	userRegistry := registry.New(mongoManager.Users(), roleSets, settingsStore, logger)
	settingsStore.OnQuotaChange(func(ctx context.Context, limit int) error {
		updated, err := userRegistry.SetQuotaLimitForUnprivileged(ctx, limit)
		if err != nil {
			return err
		}
		logger.WithFields(logging.Fields{
			"event":       "quota_rewrite",
			"quota_limit": limit,
			"updated":     updated,
		}).Info("applied new quota limit")
		return nil
	})

	enforcer := quota.NewEnforcer(userRegistry, roleSets, logger)
	conversations := convlog.New(rdb, logger)
	aiClient := ai.NewClient(cfg, logger)
	statsProvider := store.NewStatsProvider(mongoManager.Users())

	engine := workflow.New(userRegistry, roleSets, settingsStore, conversations, nil, logger)
	dispatcher := telegram.NewDispatcher(
		userRegistry, roleSets, enforcer, conversations, aiClient,
		engine, settingsStore, statsProvider, cfg.Developer, logger,
	)
	engine.BindSender(dispatcher)

	tgClient, err := telegram.NewClient(cfg, dispatcher, logger)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, redisPinger{rdb: rdb}, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	sweeper := convlog.NewSweeper(conversations, convlog.DefaultSweepInterval, convlog.DefaultEntryTTL, logger)
	go sweeper.Run(sweeperCtx)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()
	cancelSweeper()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	if err := rdb.Close(); err != nil {
		logger.WithError(err).Error("redis disconnect error")
	} else {
		logger.WithField("event", "redis_disconnect").Info("redis client disconnected")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
