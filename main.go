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

	"chatstate/config"
	"chatstate/controllers"
	"chatstate/routes"
	"chatstate/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CHAT_CONFIG"), "path to the YAML config file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	var responder services.Responder = services.EchoResponder{}
	if cfg.OpenAI.APIKey != "" {
		responder = services.NewOpenAIResponder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger)
	} else {
		logger.Warn("no OpenAI API key configured, replies will echo the user message")
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	cc := controllers.NewConversationController(repo, responder, logger)
	router := routes.SetupRouter(cc, cfg.Server.AllowedOrigins, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "storage", cfg.Server.Storage)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openRepository returns the configured storage backend and its cleanup.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.ConversationRepository, func(), error) {
	switch cfg.Server.Storage {
	case config.StorageDynamoDB:
		opts := services.DynamoDBOptions{
			Endpoint:           cfg.DynamoDB.Endpoint,
			Region:             cfg.DynamoDB.Region,
			ConversationsTable: cfg.DynamoDB.ConversationsTable,
			MessagesTable:      cfg.DynamoDB.MessagesTable,
		}
		client, err := services.NewDynamoDBClient(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		repo := services.NewDynamoRepository(client, opts, logger)
		if err := repo.EnsureTables(ctx); err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil

	case config.StoragePostgres:
		repo, err := services.NewPostgresRepository(ctx, cfg.Postgres.URI)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Error("failed to close postgres", "error", err)
			}
		}, nil

	default:
		return services.NewMemoryRepository(), func() {}, nil
	}
}
