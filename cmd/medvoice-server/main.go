package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medvoice/medvoice/internal/config"
	"github.com/medvoice/medvoice/internal/domain/uploads"
	"github.com/medvoice/medvoice/internal/platform/auth"
	"github.com/medvoice/medvoice/internal/platform/blobstore"
	"github.com/medvoice/medvoice/internal/platform/db"
	"github.com/medvoice/medvoice/internal/platform/dlp"
	"github.com/medvoice/medvoice/internal/platform/fhir"
	"github.com/medvoice/medvoice/internal/platform/hipaa"
	"github.com/medvoice/medvoice/internal/platform/middleware"
	"github.com/medvoice/medvoice/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medvoice-server",
		Short: "Healthcare audio upload compliance API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// PHI field encryption
	crypto, err := hipaa.NewEncryptionService(cfg.PHIEncryptionKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize field encryption")
	}

	// Audit trail
	auditLogger := hipaa.NewAuditLogger(hipaa.NewPGSink(pool), logger, cfg.AuditBufferSize)
	defer auditLogger.Close()

	// Pipeline collaborators
	classifier := dlp.NewClassifier()
	assembler := fhir.NewAssembler(cfg.BaseURL)
	signer := blobstore.NewSigner(cfg.BaseURL+"/audio", []byte(cfg.JWTSecret))

	repo := uploads.NewRepoPG(pool)
	svc := uploads.NewService(repo, classifier, crypto, auditLogger, assembler, signer,
		logger, cfg.ScanTimeout(), time.Duration(cfg.SignedURLTTLSec)*time.Second)
	handler := uploads.NewHandler(svc, pool.Ping)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Request admission: blocklist and rate limiting run before any other
	// handling so hostile clients are shed first.
	metrics := telemetry.NewMetrics()
	gate := middleware.NewGatekeeper(middleware.GatekeeperConfig{
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow(),
	})

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.GatekeeperMiddleware(gate, metrics))
	e.Use(middleware.InspectContent(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Unauthenticated surface
	handler.RegisterHealth(e)
	e.GET("/metrics", metrics.Handler())

	// Authenticated API
	api := e.Group("")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     "medvoice",
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}
	handler.RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
