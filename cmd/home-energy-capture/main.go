package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	httpapi "github.com/i474232898/home-energy-capture/internal/api/http"
	"github.com/i474232898/home-energy-capture/internal/app"
	"github.com/i474232898/home-energy-capture/internal/config"
	"github.com/i474232898/home-energy-capture/internal/logging"
)

func main() {
	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 on a clean stop, 1 on a failure and
// 2 on bad flags.
func run(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("home-energy-capture", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "Optional YAML file of configuration keys (env takes precedence)")
	validateOnly := flags.Bool("validate", false, "Load and validate the configuration, then exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	// Load configuration.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	capture, err := app.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("nothing to do")
		return 1
	}

	if *validateOnly {
		logger.Info().Strs("sources", cfg.EnabledSources()).Bool("backups", cfg.Backup.Enabled).Msg("configuration looks good")
		return 0
	}

	if cfg.StatusAddr != "" {
		server := newStatusServer(capture, logger)
		go func() {
			if err := server.Listen(cfg.StatusAddr); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.ShutdownWithContext(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("error during status server shutdown")
			}
		}()
	}

	if err := capture.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("capture stopped with error")
		return 1
	}
	logger.Info().Msg("capture stopped")
	return 0
}

func newStatusServer(capture *app.App, logger zerolog.Logger) *fiber.App {
	server := fiber.New(fiber.Config{
		AppName:               "home-energy-capture",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	server.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${status} ${method} ${path} ${latency}\n",
		Output: logger.With().Str("component", "status").Logger(),
	}))
	server.Use(recover.New())

	httpapi.RegisterRoutes(server, capture, capture.Metrics())
	logger.Info().Msg("status server enabled")
	return server
}
