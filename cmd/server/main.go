package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/spf13/cobra"
	"github.com/ytakahashi/listsync/internal/config"
	"github.com/ytakahashi/listsync/internal/handlers"
	"github.com/ytakahashi/listsync/internal/logging"
	"github.com/ytakahashi/listsync/internal/services"
	"github.com/ytakahashi/listsync/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	port       string
	backend    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "listsync",
	Short: "Shared list sync server",
	Long: `listsync keeps every signed-in user's lists, shared lists and notes in
sync with Firestore and serves them over HTTP, a websocket state stream and
an optional LINE chat bot.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	rootCmd.Flags().StringVar(&backend, "backend", "", "store backend: firestore or memory")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if !dotenv {
		logger.Info("No .env file found")
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	hub := workspace.NewHub(store, logger)
	defer hub.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/v1", handlers.Identity(cfg.JWTSecret))
	handlers.NewAPIHandler(hub, logger).Register(api)

	if cfg.LineEnabled() {
		bot, err := messaging_api.NewMessagingApiAPI(cfg.LineChannelToken)
		if err != nil {
			return fmt.Errorf("failed to create LINE bot client: %w", err)
		}
		webhookHandler := handlers.NewWebhookHandler(bot, hub, cfg.LineChannelSecret, logger)
		e.POST("/webhook", webhookHandler.HandleWebhook)
	} else {
		logger.Info("LINE_CHANNEL_TOKEN not set, webhook disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("backend", cfg.Backend))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		mem := services.NewMemoryService()
		return mem, func() { _ = mem.Close() }, nil
	default:
		fs, err := services.NewFirestoreService(ctx, cfg.ProjectID, cfg.DatabaseID, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {
			if err := fs.Close(); err != nil {
				logger.Warn("failed to close Firestore client", zap.Error(err))
			}
		}, nil
	}
}
