package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicnet/referrals/internal/config"
	"github.com/clinicnet/referrals/internal/domain/clinic"
	"github.com/clinicnet/referrals/internal/domain/patient"
	"github.com/clinicnet/referrals/internal/domain/referral"
	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/internal/platform/db"
	"github.com/clinicnet/referrals/internal/platform/events"
	"github.com/clinicnet/referrals/internal/platform/middleware"
	"github.com/clinicnet/referrals/internal/platform/redis"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "referral-server",
		Short: "Cross-clinic patient referral API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
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
			schema, _ := cmd.Flags().GetString("schema")
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

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
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

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// tokenCmd mints a bearer token for local testing. It refuses to run
// outside development.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			username, _ := cmd.Flags().GetString("username")
			role, _ := cmd.Flags().GetString("role")
			clinicID, _ := cmd.Flags().GetString("clinic")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			tok, err := mintDevToken(cfg, userID, username, role, clinicID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "User UUID (random when empty)")
	cmd.Flags().String("username", "dev", "Username carried in the token")
	cmd.Flags().String("role", "admin", "Role: admin, physician, nurse or staff")
	cmd.Flags().String("clinic", "", "Clinic UUID the user belongs to")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func mintDevToken(cfg *config.Config, userID, username, role, clinicID string, ttl time.Duration) (string, error) {
	if !cfg.IsDev() {
		return "", fmt.Errorf("token minting is only available when ENV=development")
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return "", err
	}
	clinicUUID, err := uuid.Parse(clinicID)
	if err != nil {
		return "", fmt.Errorf("invalid --clinic: %w", err)
	}
	uid := uuid.New()
	if userID != "" {
		if uid, err = uuid.Parse(userID); err != nil {
			return "", fmt.Errorf("invalid --user: %w", err)
		}
	}
	id := auth.Identity{UserID: uid, Username: username, Role: r, ClinicID: clinicUUID}
	return auth.MintToken(id, cfg.SigningKey(), cfg.AuthIssuer, ttl)
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var checks []db.Checker

	// Clinic lookups go through Redis when configured.
	var clinicRepo clinic.Repository = clinic.NewRepo(pool)
	rc, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rc != nil {
		defer rc.Close()
		clinicRepo = clinic.NewCachedRepository(clinicRepo, rc.Client, cfg.ClinicCacheTTL, logger)
		checks = append(checks, db.Checker{Name: "redis", Check: rc.Health})
		logger.Info().Dur("ttl", cfg.ClinicCacheTTL).Msg("clinic cache enabled")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer amqpPub.Close()
		publisher = amqpPub
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("event publishing enabled")
	}

	metrics := referral.NewMetrics(prometheus.DefaultRegisterer)
	referralRepo := referral.NewRepo(pool)
	svc := referral.NewService(referral.ServiceDeps{
		Repo:        referralRepo,
		Patients:    patient.NewPatientRepo(pool),
		Expedientes: patient.NewExpedienteRepo(pool),
		Clinics:     clinicRepo,
		Tx:          db.NewTransactor(pool),
		Events:      publisher,
		Metrics:     metrics,
		Logger:      logger,
	})
	query := referral.NewQueryService(referralRepo, cfg.ListMaxLimit, metrics, logger)

	jwtMW, err := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: cfg.SigningKey(),
		Skipper:    auth.AuthSkipper,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verification")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst

	apiV1 := e.Group("/api/v1", jwtMW, middleware.RateLimit(rl), middleware.Audit(logger))
	referrals := apiV1.Group("/referrals")
	// Static /clinics routes take priority over /:id in the router.
	clinic.NewHandler(clinic.NewService(clinicRepo)).RegisterRoutes(referrals)
	referral.NewHandler(svc, query, cfg.ListMaxLimit).RegisterRoutes(referrals)

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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
