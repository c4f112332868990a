package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/everlight/trellis/config"
	"github.com/everlight/trellis/internal/handlers"
	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/embedding"
	"github.com/everlight/trellis/pkg/expressions"
	"github.com/everlight/trellis/pkg/health"
	"github.com/everlight/trellis/pkg/httpclient"
	"github.com/everlight/trellis/pkg/ingest"
	"github.com/everlight/trellis/pkg/middleware"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/notify"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/providers/gmail"
	"github.com/everlight/trellis/pkg/providers/notion"
	"github.com/everlight/trellis/pkg/queue"
	"github.com/everlight/trellis/pkg/redis"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/scheduler"
	"github.com/everlight/trellis/pkg/startup"
	"github.com/everlight/trellis/pkg/tokens"
	"github.com/everlight/trellis/pkg/tracing"
	"github.com/everlight/trellis/pkg/tracing/exporters"
	"github.com/everlight/trellis/pkg/webhooks"
)

func main() {
	// .env is optional; env vars win either way
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		log.Fatalf("failed to bind environment variables: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otlpCfg := exporters.OTLPConfig{}
	if cfg.OTLPEnabled {
		otlpCfg = exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		}
	}
	tracerProvider, err := tracing.Init(ctx, cfg.AppName, otlpCfg)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	var sqlDB *sqlx.DB
	boot.AddDependency(startup.Func{
		Name: "database",
		StartFn: func(ctx context.Context) error {
			dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
				cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
				cfg.DatabaseName, cfg.DatabaseSSLMode)
			db, err := sqlx.ConnectContext(ctx, cfg.DatabaseDriver, dsn)
			if err != nil {
				return err
			}
			db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
			db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
			db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
			sqlDB = db
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if sqlDB == nil {
				return nil
			}
			return sqlDB.Close()
		},
	})

	boot.AddDependency(startup.Func{
		Name:    "migrations",
		Depends: []string{"database"},
		StartFn: func(ctx context.Context) error {
			driver, err := migratepg.WithInstance(sqlDB.DB, &migratepg.Config{})
			if err != nil {
				return err
			}
			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.Migrate(cfg.DatabaseName, driver)
		},
	})

	var redisClient *redis.Client
	boot.AddDependency(startup.Func{
		Name: "redis",
		StartFn: func(ctx context.Context) error {
			client, err := redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			if err != nil {
				return err
			}
			redisClient = client
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if redisClient == nil {
				return nil
			}
			return redisClient.Close()
		},
	})

	if err := boot.Start(ctx); err != nil {
		log.Fatalf("failed to start infrastructure: %v", err)
	}

	db := database.NewDatabaseInstance(sqlDB, logger)
	connRepo := repositories.NewConnectionRepository(db, logger)
	entryRepo := repositories.NewEntryRepository(db, logger)
	secretRepo := repositories.NewWebhookSecretRepository(db, logger)
	tenantRepo := repositories.NewTenantRepository(db, logger)

	eval := expressions.NewEvaluator()
	providerHTTP := httpclient.NewClient(httpclient.Config{Timeout: cfg.ProviderTimeout}, logger)

	notionClient := notion.NewClient(providerHTTP, notion.Config{
		ClientID:     cfg.NotionClientID,
		ClientSecret: cfg.NotionClientSecret,
		RedirectURI:  cfg.NotionRedirectURI,
	}, eval, redis.NewRateLimiter(redisClient, "ratelimit"), logger)

	gmailClient := gmail.NewClient(providerHTTP, gmail.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
		PubSubTopic:  cfg.GmailPubSubTopic,
	}, eval, logger)

	registry := providers.NewRegistry(notionClient, gmailClient)

	locker := redis.NewLocker(redisClient, "lock")
	tokenManager := tokens.NewManager(connRepo, registry, locker, logger).
		WithRevocationTimeout(cfg.RevocationTimeout)

	embedder := embedding.NewService(providerHTTP, embedding.Config{
		ServiceURL: cfg.EmbeddingServiceURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	}, logger)

	forwarder := notify.NewForwarder(notify.ParseConfig(cfg.KafkaBrokers, cfg.KafkaEntryTopic), logger)
	boot.AddDependency(startup.Func{
		Name: "kafka-forwarder",
		StopFn: func(ctx context.Context) error {
			return forwarder.Close()
		},
	})

	ingestor := ingest.NewIngestor(registry, tokenManager, entryRepo, embedder, forwarder, logger).
		WithSyncMax(cfg.GmailBackfillMaxResults)

	eventRouter := webhooks.NewRouter(connRepo, secretRepo, entryRepo, ingestor, logger)
	if cfg.NotionWebhookSecret != "" {
		eventRouter = eventRouter.WithSecretOverride(models.ProviderNotion, cfg.NotionWebhookSecret)
	}

	streams := redis.NewStreams(redisClient)
	dlq := redis.NewDeadLetterQueue(redisClient, redis.DefaultDLQStream, logger)

	processorCfg := queue.DefaultProcessorConfig()
	processorCfg.Stream = cfg.RedisStreamsJobQueue
	processorCfg.ConsumerGroup = cfg.RedisStreamsConsumerGroup
	if cfg.RedisStreamsConsumerName != "" {
		processorCfg.ConsumerName = cfg.RedisStreamsConsumerName
	}
	processorCfg.WorkerCount = cfg.BackfillWorkerCount
	processor := queue.NewProcessor(streams, dlq, connRepo, ingestor, processorCfg, logger)
	boot.AddDependency(startup.Func{
		Name:    "backfill-processor",
		Depends: []string{"database", "redis"},
		StartFn: processor.Start,
		StopFn:  processor.Stop,
	})

	if cfg.SchedulerEnabled {
		schedCfg := scheduler.DefaultConfig()
		schedCfg.PollInterval = cfg.SchedulerPollInterval
		watchScheduler := scheduler.NewScheduler(connRepo, tokenManager, gmailClient, locker, schedCfg, logger)
		boot.AddDependency(startup.Func{
			Name:    "watch-scheduler",
			Depends: []string{"database", "redis"},
			StartFn: watchScheduler.Start,
			StopFn:  watchScheduler.Stop,
		})
	}

	checker := health.NewChecker(sqlDB, redisClient.Redis(), cfg.AppName)
	e := newServer(cfg, logger, checker)

	api := e.Group("/api/v1")

	webhookHandler := handlers.NewWebhookHandler(eventRouter, logger)
	webhookHandler.RegisterRoutes(api)

	var auth echo.MiddlewareFunc
	if cfg.AuthEnabled {
		auth = middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID, tenantRepo)
	} else {
		auth = middleware.HeaderAuthentication(logger)
	}
	protected := api.Group("", auth)

	backfills := queue.NewPublisher(streams, cfg.RedisStreamsJobQueue)
	integrationHandler := handlers.NewIntegrationHandler(
		connRepo, entryRepo, registry, tokenManager, backfills, gmailClient,
		cfg.GmailBackfillMaxResults, logger)
	integrationHandler.RegisterRoutes(protected)

	entryHandler := handlers.NewEntryHandler(entryRepo, logger)
	entryHandler.RegisterRoutes(protected)

	dlqHandler := handlers.NewDLQHandler(dlq, streams, cfg.RedisStreamsJobQueue, logger)
	dlqHandler.RegisterRoutes(protected)

	boot.AddDependency(startup.Func{
		Name: "http-server",
		StartFn: func(ctx context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("http server stopped")
				}
			}()
			return nil
		},
		StopFn: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})

	if err := boot.Start(ctx); err != nil {
		log.Fatalf("failed to start services: %v", err)
	}
	checker.SetReady(true)
	logger.Infof("%s listening on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to flush traces")
	}
}

func newLogger(cfg config.Config) ectologger.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newServer(cfg config.Config, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
