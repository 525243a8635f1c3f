package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querychat/querychat/internal/api"
	"github.com/querychat/querychat/internal/api/uistatic"
	"github.com/querychat/querychat/internal/assistant"
	"github.com/querychat/querychat/internal/auth"
	"github.com/querychat/querychat/internal/config"
	"github.com/querychat/querychat/internal/database"
	"github.com/querychat/querychat/internal/llm"
	"github.com/querychat/querychat/internal/migrations"
	"github.com/querychat/querychat/internal/observability"
	"github.com/querychat/querychat/internal/querylog"
	"github.com/querychat/querychat/internal/schema"
	"github.com/querychat/querychat/internal/sqlexec"
	"github.com/querychat/querychat/internal/storage"
	s3store "github.com/querychat/querychat/internal/storage/s3"
	"github.com/querychat/querychat/internal/tools"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("querychat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	opener, err := database.OpenerFor(cfg.Database.Driver)
	if err != nil {
		logger.Error("failed to select database driver", slog.Any("error", err))
		os.Exit(1)
	}
	pool := database.New(poolConfig(cfg), opener, logger)
	defer func() { _ = pool.Close() }()

	ensureLogTable(cfg, pool, logger)

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	definitions, err := definitionsSource(cfg, objectStore)
	if err != nil {
		logger.Error("failed to configure definitions", slog.Any("error", err))
		os.Exit(1)
	}
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	loaded, err := definitions.Load(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Error("failed to load definitions", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("definitions loaded", slog.Int("documents", len(loaded.Tables)))

	client, err := completionClient(cfg)
	if err != nil {
		logger.Error("failed to initialize completion client", slog.Any("error", err))
		os.Exit(1)
	}

	builder, err := tools.NewBuilder(tools.BuilderConfig{
		Schema:      schema.NewIntrospector(pool, cfg.Database.Schema, logger),
		Definitions: definitions,
		Dialect:     tools.DialectFor(cfg.Database.Driver),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize tool catalog", slog.Any("error", err))
		os.Exit(1)
	}
	store := querylog.NewStore(pool)
	executor := sqlexec.NewExecutor(pool, sqlexec.Options{HumanizeNumbers: cfg.Assistant.HumanizeNumbers}, logger)
	chat, err := assistant.NewService(client, builder, executor, store, assistant.Config{
		Persona:      cfg.Assistant.Persona,
		ErrorMessage: cfg.Assistant.ErrorMessage,
		TurnTimeout:  cfg.Assistant.TurnTimeout,
		MaxTokens:    cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize assistant", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:        logger,
		Chat:          chat,
		QueryLog:      store,
		QueryLogLimit: cfg.Assistant.QueryLogLimit,
		UI:            uistatic.Handler(),
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(pool.Ping),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("driver", cfg.Database.Driver),
			slog.String("llm_provider", cfg.LLM.Provider),
			slog.String("llm_model", cfg.LLM.Model),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func poolConfig(cfg config.Config) database.Config {
	return database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Name:            cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
		RetryInitial:    cfg.Database.RetryInitial,
		RetryMax:        cfg.Database.RetryMax,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
}

// ensureLogTable applies log table migrations. A database that is down at
// startup is not fatal: chat turns report it and the pool keeps retrying.
func ensureLogTable(cfg config.Config, pool *database.Pool, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runner, err := migrations.NewRunnerForDriver(cfg.Database.Driver)
	if err != nil {
		logger.Error("failed to select migrations", slog.Any("error", err))
		return
	}
	db, err := pool.DB(ctx)
	if err != nil {
		logger.Warn("skipping log table migrations; database unavailable", slog.Any("error", err))
		return
	}
	applied, err := runner.Up(ctx, db, 0)
	if err != nil {
		logger.Warn("log table migrations failed", slog.Any("error", err))
		return
	}
	logger.Info("log table ready", slog.String("table", querylog.TableName), slog.Int("applied", applied))
}

func definitionsSource(cfg config.Config, objects storage.ObjectStore) (schema.DefinitionsSource, error) {
	if cfg.Assistant.DefinitionsPrefix == "" {
		return schema.NewDirSource(cfg.Assistant.DefinitionsDir), nil
	}
	if objects == nil {
		return nil, fmt.Errorf("QUERYCHAT_DEFINITIONS_PREFIX requires QUERYCHAT_OBJECTSTORE_ENABLED=true")
	}
	prefix, err := storage.BuildDefinitionsPrefix(cfg.Assistant.DefinitionsPrefix)
	if err != nil {
		return nil, err
	}
	return schema.ObjectStoreSource{Store: objects, Prefix: prefix}, nil
}

func completionClient(cfg config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  2,
		})
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		})
	}
}
