package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/chargecapture/internal/config"
	"github.com/ehr/chargecapture/internal/domain/coding"
	"github.com/ehr/chargecapture/internal/platform/auth"
	"github.com/ehr/chargecapture/internal/platform/blobstore"
	"github.com/ehr/chargecapture/internal/platform/db"
	"github.com/ehr/chargecapture/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chargecapture-server",
		Short: "Clinical note charge capture API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(referenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the charge capture API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the Postgres billing queue",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closeFn, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closeFn, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool.Close, nil
}

// analyzeCmd runs the engine once over a note without creating a session
// or submitting anything.
func analyzeCmd() *cobra.Command {
	var req coding.AnalyzeRequest
	var file, refFile, mode string
	var seed int64
	var defaultRate float64

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a note from a file or stdin and print suggested codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readNote(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			req.NoteText = text
			if err := req.Validate(); err != nil {
				return err
			}

			if !cmd.Flags().Changed("default-rate") {
				if v := os.Getenv("DEFAULT_RATE"); v != "" {
					if defaultRate, err = strconv.ParseFloat(v, 64); err != nil {
						return fmt.Errorf("DEFAULT_RATE: %w", err)
					}
				}
			}
			ref, err := referenceLoader(&config.Config{ReferenceFile: refFile, DefaultRate: defaultRate})()
			if err != nil {
				return err
			}
			fn, err := confidenceFunc(mode, seed)
			if err != nil {
				return err
			}

			a := coding.NewEngine(ref, fn, nil, zerolog.New(cmd.ErrOrStderr())).Analyze(req.NoteText)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				coding.AnalysisResult
				Advisories []string `json:"advisories,omitempty"`
			}{a.Result(), a.Risk.Advisories})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Note text file (default stdin)")
	cmd.Flags().StringVar(&req.PatientID, "patient", "cli", "Patient identifier")
	cmd.Flags().StringVar(&req.NoteType, "note-type", "progress_note", "Documentation type")
	cmd.Flags().StringVar(&req.FacilityType, "facility", "snf", "Facility type")
	cmd.Flags().StringVar(&req.PayerType, "payer", "medicare_b", "Payer type")
	cmd.Flags().StringVar(&refFile, "reference", os.Getenv("REFERENCE_FILE"), "Reference data YAML file")
	cmd.Flags().Float64Var(&defaultRate, "default-rate", 0, "Rate for unlisted procedure codes (default $DEFAULT_RATE or the reference file's)")
	cmd.Flags().StringVar(&mode, "confidence", config.ConfidenceStrength, "Confidence mode: strength, flat or jitter")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for jitter confidence")
	return cmd
}

func readNote(stdin io.Reader, file string) (string, error) {
	if file == "" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read note: %w", err)
	}
	return string(b), nil
}

func referenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Inspect coding reference data",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a reference data YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := coding.LoadReferenceFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d patterns, %d rates, default rate %.2f\n",
				ref.Source, ref.Library.Len(), len(ref.Rates.Codes()), ref.Rates.Default())
			return nil
		},
	})
	return cmd
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func confidenceFunc(mode string, seed int64) (coding.ConfidenceFunc, error) {
	switch mode {
	case "", config.ConfidenceStrength:
		return coding.StrengthConfidence, nil
	case config.ConfidenceFlat:
		return coding.FlatConfidence, nil
	case config.ConfidenceJitter:
		return coding.SeededJitter(seed), nil
	}
	return nil, fmt.Errorf("unknown confidence mode %q", mode)
}

// referenceLoader reads REFERENCE_FILE and applies DEFAULT_RATE on top.
func referenceLoader(cfg *config.Config) coding.ReferenceLoader {
	return func() (*coding.Reference, error) {
		ref, err := coding.LoadReferenceFile(cfg.ReferenceFile)
		if err != nil {
			return nil, err
		}
		if cfg.DefaultRate > 0 {
			ref.Rates = ref.Rates.WithDefault(cfg.DefaultRate)
		}
		return ref, nil
	}
}

type backends struct {
	queue   coding.BillingQueue
	store   blobstore.BlobStore
	pool    *pgxpool.Pool
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	switch cfg.BillingQueue {
	case config.QueuePostgres:
		b.queue = coding.NewBillingQueuePG(b.pool)
	case config.QueueAMQP:
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to amqp: %w", err)
		}
		b.closers = append(b.closers, func() { conn.Close() })
		q, err := coding.NewBillingQueueAMQP(conn, cfg.BillingQueueName)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.queue = q
	default:
		logger.Warn().Msg("using in-memory billing queue; batches are lost on restart")
		b.queue = coding.NewMemoryQueue()
	}
	logger.Info().Str("driver", cfg.BillingQueue).Msg("billing queue ready")

	switch cfg.ArchiveDriver {
	case config.ArchiveMinio:
		store, err := blobstore.NewMinioBlobStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to minio: %w", err)
		}
		b.store = store
	case config.ArchiveMemory:
		b.store = blobstore.NewInMemoryBlobStore()
	}
	if b.store != nil {
		logger.Info().Str("driver", cfg.ArchiveDriver).Msg("batch archive ready")
	}
	return b, nil
}

func newService(cfg *config.Config, b *backends, logger zerolog.Logger) (*coding.Service, error) {
	fn, err := confidenceFunc(cfg.ConfidenceMode, cfg.ConfidenceSeed)
	if err != nil {
		return nil, err
	}
	loader := referenceLoader(cfg)
	ref, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	var archive coding.Archiver
	if b.store != nil {
		archive = coding.NewBlobArchiver(b.store)
	}
	return coding.NewService(ref, b.queue, archive, coding.Options{
		Confidence:   fn,
		CarryForward: cfg.CarryForward,
		SessionTTL:   cfg.SessionTTL,
		Loader:       loader,
	}, logger), nil
}

func newRouter(cfg *config.Config, svc *coding.Service, b *backends, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": svc.SessionCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(b.pool))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMW)
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.BodyLimit("1M"))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	coding.NewHandler(svc).RegisterRoutes(apiV1)
	if b.store != nil {
		archive := apiV1.Group("/coding", auth.RequireRole(auth.RoleReviewer, auth.RoleBilling))
		blobstore.NewBlobHandler(b.store).RegisterRoutes(archive)
	}
	return e
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
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer b.Close()

	svc, err := newService(cfg, b, logger.With().Str("component", "coding").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start coding service")
	}
	go svc.Start(ctx)

	e := newRouter(cfg, svc, b, logger)

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
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
