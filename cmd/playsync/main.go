// playsync keeps a local catalog's listening progress in step with an
// external playback server. It runs as a long-lived service with scheduled
// background syncs and an HTTP trigger surface, or as a one-shot CLI sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/evanharte/playsync/internal/config"
	"github.com/evanharte/playsync/internal/crypto"
	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/queue"
	"github.com/evanharte/playsync/internal/server"
	"github.com/evanharte/playsync/internal/sync"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "playsync",
		Usage:   "Synchronize listening progress from a playback server",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			if envFile := c.String("env-file"); envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			} else {
				// Best effort; a missing .env is fine
				_ = godotenv.Load()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync service with scheduled syncs and an HTTP API",
				Action: runServe,
			},
			{
				Name:  "sync",
				Usage: "Run one listening sync for a user and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "Local user ID to sync",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Compute the sync without writing anything",
					},
				},
				Action: runOneShot,
			},
			{
				Name:  "user",
				Usage: "Manage sync users",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Register a user, optionally with per-user playback credentials",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "id", Required: true, Usage: "Local user ID"},
							&cli.StringFlag{Name: "name", Required: true, Usage: "Display name"},
							&cli.StringFlag{Name: "external-id", Usage: "User ID on the playback server"},
							&cli.StringFlag{Name: "url", Usage: "Per-user playback server URL"},
							&cli.StringFlag{Name: "token", Usage: "Per-user playback API token"},
						},
						Action: runUserAdd,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, initializes logging and opens the database
func bootstrap(c *cli.Context) (*config.Config, *database.Database, *database.Repository, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	db, err := database.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	encryptor, err := crypto.NewEncryptionManager(cfg.Paths.DataDir, log)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	repo := database.NewRepository(db, encryptor, log)
	return cfg, db, repo, nil
}

func runServe(c *cli.Context) error {
	cfg, db, repo, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer db.Close()
	log := logger.Get()

	log.Info("Starting playsync", map[string]interface{}{
		"version":   version,
		"log_level": cfg.Logging.Level,
		"auto_sync": cfg.Scheduler.AutoSync,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncService := sync.NewService(cfg, db, repo)
	syncService.Start(ctx)

	srv := server.New(":"+cfg.Server.Port, syncService, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	cancel()
	syncService.Stop()
	return nil
}

func runOneShot(c *cli.Context) error {
	cfg, db, repo, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer db.Close()
	log := logger.Get()

	userID := c.String("user")
	if c.Bool("dry-run") {
		cfg.App.DryRun = true
	}
	syncService := sync.NewService(cfg, db, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskID := syncService.EnqueueListeningSync(userID)
	syncService.Start(ctx)

	// Poll until the job reaches a terminal state
	for {
		snap := syncService.GetJobStatus(taskID)
		if snap != nil && (snap.Status == queue.StatusCompleted || snap.Status == queue.StatusFailed) {
			log.Info("Sync finished", map[string]interface{}{
				"task_id":   taskID,
				"status":    snap.Status,
				"processed": snap.Processed,
				"errors":    len(snap.Errors),
			})
			syncService.Stop()
			if snap.Status == queue.StatusFailed {
				return fmt.Errorf("sync failed: %s", snap.Message)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runUserAdd(c *cli.Context) error {
	_, db, repo, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer db.Close()

	userID := c.String("id")
	if err := repo.CreateUser(userID, c.String("name"), c.String("external-id")); err != nil {
		return err
	}

	if url, token := c.String("url"), c.String("token"); url != "" && token != "" {
		if err := repo.SetUserCredential(userID, url, token); err != nil {
			return err
		}
	}

	fmt.Printf("user %s created\n", userID)
	return nil
}
