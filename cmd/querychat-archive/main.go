package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querychat/querychat/internal/config"
	"github.com/querychat/querychat/internal/database"
	"github.com/querychat/querychat/internal/observability"
	"github.com/querychat/querychat/internal/querylog"
	s3store "github.com/querychat/querychat/internal/storage/s3"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("querychat-archive")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	limit := flag.Int("limit", cfg.Assistant.QueryLogLimit, "number of most recent attempts to export")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall export timeout")
	flag.Parse()

	logger := observability.NewLogger(cfg, os.Stdout)
	if !cfg.ObjectStore.Enabled {
		logger.Error("archive export requires QUERYCHAT_OBJECTSTORE_ENABLED=true")
		os.Exit(1)
	}
	if *limit <= 0 {
		logger.Error("limit must be positive", slog.Int("limit", *limit))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	opener, err := database.OpenerFor(cfg.Database.Driver)
	if err != nil {
		logger.Error("failed to select database driver", slog.Any("error", err))
		os.Exit(1)
	}
	pool := database.New(database.Config{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		Name:           cfg.Database.Name,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		MinConns:       1,
		MaxConns:       1,
		AcquireTimeout: cfg.Database.AcquireTimeout,
		RetryInitial:   cfg.Database.RetryInitial,
		RetryMax:       cfg.Database.RetryMax,
	}, opener, logger)
	defer func() { _ = pool.Close() }()

	objects, err := s3store.New(ctx, s3store.Config{
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

	archiver := querylog.NewArchiver(querylog.NewStore(pool), objects, logger)
	result, err := archiver.Archive(ctx, *limit)
	if err != nil {
		logger.Error("archive export failed", slog.Any("error", err))
		os.Exit(1)
	}
	if result.Skipped {
		fmt.Printf("already archived at %s\n", result.Key)
		return
	}
	if result.RecordCount == 0 {
		fmt.Println("no attempts to archive")
		return
	}
	fmt.Printf("archived %d attempt(s) to %s\n", result.RecordCount, result.Key)
}
