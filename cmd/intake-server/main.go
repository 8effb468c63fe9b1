package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/careline/intake/internal/config"
	"github.com/careline/intake/internal/domain/classifier"
	"github.com/careline/intake/internal/domain/directory"
	"github.com/careline/intake/internal/domain/emergency"
	"github.com/careline/intake/internal/domain/triage"
	"github.com/careline/intake/internal/platform/auth"
	"github.com/careline/intake/internal/platform/blobstore"
	"github.com/careline/intake/internal/platform/cache"
	"github.com/careline/intake/internal/platform/db"
	"github.com/careline/intake/internal/platform/events"
	"github.com/careline/intake/internal/platform/middleware"
	"github.com/careline/intake/internal/platform/websocket"
)

const (
	intakeSubmitPath = "/api/v1/intakes"
	cacheKeyPrefix   = "intake:"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Patient intake triage and queue server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
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
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// queueCmd exposes the operator actions on a hospital queue. They go through
// the same QueueManager as the API so locking and cache invalidation match.
func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate on hospital queues",
	}

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Renumber a hospital queue to contiguous positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospitalID, err := hospitalFlag(cmd)
			if err != nil {
				return err
			}
			return withQueue(func(ctx context.Context, m *triage.QueueManager) error {
				fixed, err := m.Repair(ctx, hospitalID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renumbered %d entr(ies) in hospital %s.\n", fixed, hospitalID)
				return nil
			})
		},
	}
	repairCmd.Flags().String("hospital", "", "Hospital id")
	cmd.AddCommand(repairCmd)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete completed (or, with --all, every) intake entry of a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospitalID, err := hospitalFlag(cmd)
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			scope := triage.ClearCompleted
			if all {
				scope = triage.ClearAll
			}
			return withQueue(func(ctx context.Context, m *triage.QueueManager) error {
				removed, err := m.ClearQueue(ctx, hospitalID, scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s entr(ies) from hospital %s.\n", removed, scope, hospitalID)
				return nil
			})
		},
	}
	clearCmd.Flags().String("hospital", "", "Hospital id")
	clearCmd.Flags().Bool("all", false, "Also remove queued entries")
	cmd.AddCommand(clearCmd)

	return cmd
}

func hospitalFlag(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("hospital")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--hospital is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--hospital must be a uuid: %w", err)
	}
	return id, nil
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
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
	return fn(ctx, cfg, pool)
}

func withQueue(fn func(ctx context.Context, m *triage.QueueManager) error) error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		logger := newLogger(cfg.Env, os.Stderr)
		store, closeStore, err := buildCache(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		retry := db.NewRetrier(cfg.StorageRetries, cfg.StorageRetryBackoff, logger)
		entries := triage.NewEntryRepoPG(pool, retry)
		policy := triage.NewDoctorPolicy(directory.NewDoctorRepoPG(pool), entries, cfg.DoctorLoadThreshold, logger)
		m := triage.NewQueueManager(entries, store, logger)
		m.SetAvailabilityRefresher(policy)
		return fn(ctx, m)
	})
}

// submitLimits returns the limiters for intake submission and emergency
// alerts. Each keeps its own buckets, so a burst of uploads never blocks an
// alert.
func submitLimits() (intake, alert echo.MiddlewareFunc) {
	return middleware.RateLimit(middleware.DefaultRateLimitConfig()),
		middleware.RateLimit(middleware.DefaultRateLimitConfig())
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// buildCache returns Redis when REDIS_URL is set and an in-process store
// otherwise. The in-process store is only correct with a single replica.
func buildCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		store := cache.NewMemoryStore()
		sweepCtx, cancel := context.WithCancel(ctx)
		store.StartCleanup(sweepCtx, time.Minute)
		logger.Warn().Msg("REDIS_URL not set, using in-process cache (single replica only)")
		return store, cancel, nil
	}
	store, err := cache.NewRedisStore(ctx, cfg.RedisURL, cacheKeyPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.BlobStore, error) {
	if cfg.MinioEndpoint == "" {
		logger.Warn().Msg("MINIO_ENDPOINT not set, documents are kept in memory")
		return blobstore.NewInMemoryBlobStore(), nil
	}
	return blobstore.NewMinIOBlobStore(ctx, blobstore.MinIOConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
}

// buildPublisher always feeds the websocket hub and adds NATS when NATS_URL is
// set.
func buildPublisher(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) (events.Publisher, func(), error) {
	hubPub := events.NewHubPublisher(hub)
	if cfg.NATSURL == "" {
		return hubPub, func() {}, nil
	}
	nc, err := events.NewNATSPublisher(events.DefaultNATSConfig(cfg.NATSURL), logger)
	if err != nil {
		return nil, nil, err
	}
	return events.Multi{hubPub, nc}, func() { _ = nc.Close() }, nil
}

func buildClassifier(cfg *config.Config, store cache.Store, logger zerolog.Logger) classifier.Classifier {
	if cfg.ClassifierURL == "" {
		logger.Warn().Msg("CLASSIFIER_URL not set, every intake will be queued degraded")
		return classifier.Disabled{}
	}
	gw := classifier.NewGateway(classifier.GatewayConfig{
		URL:     cfg.ClassifierURL,
		APIKey:  cfg.ClassifierAPIKey,
		Model:   cfg.ClassifierModel,
		Timeout: cfg.ClassifierTimeout,
	}, nil, logger)
	if cfg.ClassifierMemoTTL <= 0 {
		return gw
	}
	return classifier.NewMemoized(gw, store, cfg.ClassifierMemoTTL, logger)
}

// intakeHistory adapts the intake repository to the snapshot shape stored on
// emergency alerts.
func intakeHistory(recent func(ctx context.Context, patientID uuid.UUID, limit int) ([]*triage.IntakeEntry, error)) emergency.IntakeHistoryFunc {
	return func(ctx context.Context, patientID uuid.UUID, limit int) ([]emergency.IntakeSnapshot, error) {
		entries, err := recent(ctx, patientID, limit)
		if err != nil {
			return nil, err
		}
		return lo.Map(entries, func(e *triage.IntakeEntry, _ int) emergency.IntakeSnapshot {
			return emergency.IntakeSnapshot{
				ID:          e.ID,
				HospitalID:  e.HospitalID,
				SubmittedAt: e.SubmittedAt,
				Condition:   e.Condition,
				Severity:    e.Severity,
				Status:      string(e.Status),
			}
		}), nil
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	retry := db.NewRetrier(cfg.StorageRetries, cfg.StorageRetryBackoff, logger)

	// Infrastructure
	store, closeStore, err := buildCache(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up cache")
	}
	defer closeStore()

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up document storage")
	}

	hub := websocket.NewHub(logger)
	publisher, closePublisher, err := buildPublisher(cfg, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer closePublisher()

	// Repositories
	hospitals := directory.NewHospitalRepoPG(pool)
	doctors := directory.NewDoctorRepoPG(pool)
	patients := directory.NewPatientRepoPG(pool)
	care := directory.NewScheduledCareRepoPG(pool)
	entries := triage.NewEntryRepoPG(pool, retry)
	alerts := emergency.NewAlertRepoPG(pool, retry)

	// Services
	policy := triage.NewDoctorPolicy(doctors, entries, cfg.DoctorLoadThreshold, logger)
	queue := triage.NewQueueManager(entries, store, logger)
	queue.SetCacheTTL(cfg.QueueCacheTTL)
	queue.SetPublisher(publisher)
	queue.SetAvailabilityRefresher(policy)

	cls := buildClassifier(cfg, store, logger)
	intake := triage.NewOrchestrator(hospitals, patients, cls, policy, queue, blobs, cfg.MaxDocumentBytes, logger)

	router := emergency.NewRouter(alerts, patients, hospitals, care, intakeHistory(entries.RecentByPatient), logger)
	router.SetPublisher(publisher)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxDocumentBytes, intakeSubmitPath))

	// Health and live updates sit outside the API deadline and audit trail.
	e.GET("/health/db", db.HealthHandler(pool))

	authMW := authMiddleware(cfg)
	wsHandler := websocket.NewHandler(hub, cfg.CORSOrigins)
	e.GET("/ws", wsHandler.HandleConnect, authMW, auth.RequireRole(auth.StaffRoles...))

	apiV1 := e.Group("/api/v1", middleware.RequestTimeout(cfg.RequestTimeout), authMW, middleware.Audit(logger))
	intakeLimit, alertLimit := submitLimits()

	triage.NewHandler(intake, queue, blobs).RegisterRoutes(apiV1, intakeLimit)
	emergency.NewHandler(router).RegisterRoutes(apiV1, alertLimit)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
