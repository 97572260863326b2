package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radris/risync/internal/config"
	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/domain/identity"
	"github.com/radris/risync/internal/domain/linking"
	"github.com/radris/risync/internal/domain/matching"
	"github.com/radris/risync/internal/domain/metasync"
	"github.com/radris/risync/internal/domain/monitor"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/auth"
	"github.com/radris/risync/internal/platform/db"
	"github.com/radris/risync/internal/platform/middleware"
	"github.com/radris/risync/internal/platform/notification"
	"github.com/radris/risync/internal/platform/telemetry"
	"github.com/radris/risync/internal/platform/webhook"
	"github.com/radris/risync/internal/platform/websocket"
	"github.com/radris/risync/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "risync-server",
		Short: "RIS/PACS reconciliation server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(syncCmd())

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
		Short: "Start the reconciliation API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one metadata reconciliation pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.metasync.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		examIDs  []string
		from, to string
		pending  bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Link exams to archive studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(examIDs) == 0 && from == "" && !pending {
				return fmt.Errorf("one of --exam, --from/--to or --pending is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				switch {
				case len(examIDs) > 0:
					ids, err := parseIDs(examIDs)
					if err != nil {
						return err
					}
					return printJSON(a.linker.SyncMany(ctx, ids))
				case from != "":
					r, err := parseRange(from, to, a.loc)
					if err != nil {
						return err
					}
					res, err := a.linker.SyncByDateRange(ctx, r)
					if err != nil {
						return err
					}
					return printJSON(res)
				default:
					res, err := a.linker.SyncPending(ctx)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&examIDs, "exam", nil, "Exam id to sync (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "Range start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Range end date (YYYY-MM-DD), defaults to --from")
	cmd.Flags().BoolVar(&pending, "pending", false, "Sync every exam still waiting for images")
	return cmd
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid exam id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseRange turns two calendar dates into a range covering both days.
func parseRange(from, to string, loc *time.Location) (linking.DateRange, error) {
	if to == "" {
		to = from
	}
	f, err := time.ParseInLocation("2006-01-02", from, loc)
	if err != nil {
		return linking.DateRange{}, fmt.Errorf("invalid --from: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02", to, loc)
	if err != nil {
		return linking.DateRange{}, fmt.Errorf("invalid --to: %w", err)
	}
	return linking.DateRange{From: f, To: t.Add(24*time.Hour - time.Nanosecond)}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// app holds the wired services shared by the server and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	archive  *archive.Client
	bus      *notification.Bus
	hub      *websocket.Hub
	webhook  *webhook.Sink
	exams    *exam.Service
	identity *identity.Service
	linker   *linking.Orchestrator
	monitor  *monitor.Monitor
	metasync *metasync.Service
	metrics  *telemetry.Registry
}

func newApp(cfg *config.Config, exams exam.Repository, patients identity.PatientRepository, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	client := archive.NewClient(archive.Config{
		BaseURL:   cfg.ArchiveURL,
		Username:  cfg.ArchiveUsername,
		Password:  cfg.ArchivePassword,
		Timeout:   cfg.ArchiveTimeout(),
		RateLimit: cfg.ArchiveRateLimit,
	}, logger)

	metrics := telemetry.NewRegistry()
	metrics.Describe("risync_archive_request_duration_seconds", "Archive REST round trips, by operation and status.")
	client.OnRequest(func(op string, status int, d time.Duration) {
		metrics.Observe("risync_archive_request_duration_seconds", telemetry.Labels{
			"op":     op,
			"status": strconv.Itoa(status),
		}, d.Seconds())
	})

	hub := websocket.NewHub(logger)
	bus := notification.NewBus(cfg.NotificationBuffer, logger)
	bus.AddSink("websocket", notification.HubSink{Hub: hub})
	bus.AddSink("metrics", metrics.EventSink())

	var hook *webhook.Sink
	if cfg.WebhookURL != "" {
		hook, err = webhook.NewSink(webhook.Config{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}, logger)
		if err != nil {
			return nil, err
		}
		bus.AddSink("webhook", hook)
	}

	identitySvc := identity.NewService(patients, identity.NewGenerator(cfg.InstitutionCode, patients), logger)
	engine := matching.NewEngine(exams, loc, logger)
	orch := linking.NewOrchestrator(exams, client, bus, linking.Options{
		Concurrency: cfg.SyncConcurrency,
		ArchiveURL:  cfg.ArchiveURL,
		ViewerURL:   cfg.ViewerURL,
		Location:    loc,
	}, logger)

	return &app{
		cfg:      cfg,
		loc:      loc,
		metrics:  metrics,
		archive:  client,
		bus:      bus,
		hub:      hub,
		webhook:  hook,
		exams:    exam.NewService(exams),
		identity: identitySvc,
		linker:   orch,
		monitor: monitor.New(client, engine, orch, bus, monitor.Config{
			Interval: cfg.MonitorInterval(),
			Jitter:   cfg.MonitorJitter(),
		}, logger),
		metasync: metasync.NewService(client, identitySvc, exams, engine, orch, bus, logger).WithConcurrency(cfg.SyncConcurrency),
	}, nil
}

// withApp loads config, connects to the database and runs fn against a
// fully wired app.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := newApp(cfg, exam.NewRepoPG(pool), identity.NewPatientRepoPG(pool), logger)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func rateLimitKey(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// routes installs middleware and every handler on e.
func (a *app) routes(e *echo.Echo, logger zerolog.Logger, pool db.Pinger, poolStats func() *db.PoolStats) {
	a.metrics.Describe("http_server_panics_total", "Handler panics recovered.")
	e.Use(middleware.Recovery(logger, func(echo.Context, interface{}) {
		a.metrics.Inc("http_server_panics_total", nil)
	}))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, poolStats))
	e.GET("/health/archive", archive.HealthHandler(a.archive))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	jwtCfg := auth.JWTConfig{Issuer: a.cfg.AuthIssuer, SigningKey: []byte(a.cfg.AuthSigningKey)}
	authMW := auth.JWTMiddleware(jwtCfg)
	if a.cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg, rateLimitKey))

	exam.NewHandler(a.exams).RegisterRoutes(apiV1)
	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	linking.NewHandler(a.linker).RegisterRoutes(apiV1)
	monitor.NewHandler(a.monitor).RegisterRoutes(apiV1)
	metasync.NewHandler(a.metasync).RegisterRoutes(apiV1)
	notification.NewHandler(a.bus).RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub, a.cfg.CORSOrigins).RegisterRoutes(apiV1)
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

	if n, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("applied migrations")
	}

	a, err := newApp(cfg, exam.NewRepoPG(pool), identity.NewPatientRepoPG(pool), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.routes(e, logger, pool, func() *db.PoolStats { return db.GetPoolStats(pool) })

	if info, err := a.archive.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.ArchiveURL).Msg("archive not reachable")
	} else {
		logger.Info().Str("name", info.Name).Str("version", info.Version).Msg("connected to archive")
	}

	if a.webhook != nil {
		hookCtx, stopHook := context.WithCancel(context.Background())
		defer stopHook()
		go a.webhook.Run(hookCtx)
	}

	if cfg.MonitorAutoStart {
		if err := a.monitor.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("monitor auto-start failed")
		}
	}

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
	if a.monitor.Status().Running {
		if err := a.monitor.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("monitor stop failed")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
