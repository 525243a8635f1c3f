package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/querychat/querychat/internal/config"
	"github.com/querychat/querychat/internal/database"
	"github.com/querychat/querychat/internal/migrations"
	"github.com/querychat/querychat/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("querychat-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	runner, err := migrations.NewRunnerForDriver(cfg.Database.Driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration setup error: %v\n", err)
		os.Exit(1)
	}
	opener, err := database.OpenerFor(cfg.Database.Driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database driver error: %v\n", err)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := pool.DB(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}

	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", slog.String("driver", cfg.Database.Driver), slog.Int("count", applied))
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
