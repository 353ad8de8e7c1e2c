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
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/deptqueue/internal/config"
	"github.com/ehr/deptqueue/internal/domain/department"
	"github.com/ehr/deptqueue/internal/domain/identity"
	"github.com/ehr/deptqueue/internal/domain/queue"
	"github.com/ehr/deptqueue/internal/domain/scheduler"
	"github.com/ehr/deptqueue/internal/domain/triage"
	"github.com/ehr/deptqueue/internal/platform/auth"
	"github.com/ehr/deptqueue/internal/platform/db"
	"github.com/ehr/deptqueue/internal/platform/events"
	"github.com/ehr/deptqueue/internal/platform/middleware"
	"github.com/ehr/deptqueue/internal/platform/notification"
	"github.com/ehr/deptqueue/internal/platform/websocket"
	"github.com/ehr/deptqueue/migrations"
)

const (
	serviceName     = "queue-server"
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital department queue scheduler",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scoreCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
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

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
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

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [file]",
		Short: "Score a vitals JSON document offline (reads stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			avg, _ := cmd.Flags().GetInt("avg-treatment-minutes")
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runScore(in, cmd.OutOrStdout(), avg)
		},
	}
	cmd.Flags().Int("avg-treatment-minutes", triage.DefaultAvgTreatmentMinutes, "Average minutes per patient used for the wait estimate")
	return cmd
}

// scoreInput is the document accepted by the score command. WaitingAhead is
// the number of waiting patients at least as urgent, for the wait estimate.
type scoreInput struct {
	Vitals       triage.Vitals       `json:"vitals"`
	PainScale    *int                `json:"pain_scale"`
	Symptoms     triage.SymptomFlags `json:"symptoms"`
	WaitingAhead int                 `json:"waiting_ahead"`
}

type scoreOutput struct {
	triage.Result
	Department           string `json:"department"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

func runScore(r io.Reader, w io.Writer, avgTreatmentMinutes int) error {
	var in scoreInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("decode vitals: %w", err)
	}
	if in.PainScale == nil {
		return &triage.ValidationError{Field: triage.FieldPainScale, Reason: "is required"}
	}
	res, err := triage.Score(in.Vitals, *in.PainScale)
	if err != nil {
		return err
	}
	out := scoreOutput{
		Result:               res,
		Department:           triage.RouteDepartment(res, in.Vitals, in.Symptoms),
		EstimatedWaitMinutes: triage.EstimateWait(res.Urgency, in.WaitingAhead, avgTreatmentMinutes),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// queueReadRoles may watch queue boards and the live stream.
var queueReadRoles = []string{auth.RoleViewer, auth.RoleTriageNurse, auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Change fan-out: staff displays always, NATS and Redis when configured.
	hub := websocket.NewHub(logger)
	fanout := events.NewFanout(logger).Add("websocket", hub)
	if cfg.NATSURL != "" {
		nc, err := events.DialNATS(cfg.NATSURL, serviceName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Drain()
		fanout.Add("nats", events.NewNATSSink(nc, cfg.NATSSubjectPrefix))
		logger.Info().Str("prefix", cfg.NATSSubjectPrefix).Msg("publishing queue events to NATS")
	}
	if cfg.RedisURL != "" {
		rc, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		defer rc.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		fanout.Add("redis", events.NewRedisSink(rc, events.DefaultRedisChannel, cfg.RedisSnapshotTTL))
		logger.Info().Msg("caching queue snapshots in Redis")
	}

	// Critical alerts
	tpl := notification.NewTemplateEngine()
	sender := notification.NewLogSender(logger)
	dispatcher := notification.NewAlertDispatcher(sender, sender, tpl, notification.Recipients{
		Email: cfg.AlertEmailRecipients,
		SMS:   cfg.AlertSMSRecipients,
	}, logger)
	if len(cfg.AlertEmailRecipients)+len(cfg.AlertSMSRecipients) == 0 {
		logger.Warn().Msg("no alert recipients configured; RED triage alerts will only be logged")
	}

	// Domain services
	deptSvc := department.NewService(department.NewRepoPG(pool))
	patientSvc := identity.NewService(identity.NewPatientRepoPG(pool))
	store := queue.NewStore(queue.NewPersisterPG(pool), logger)
	schedSvc := scheduler.NewService(
		store,
		triage.NewAssessmentRepoPG(pool),
		deptSvc,
		patientSvc,
		dispatcher,
		fanout,
		logger,
		scheduler.Config{
			AlertTimeout:               cfg.AlertTimeout,
			DefaultAvgTreatmentMinutes: cfg.DefaultAvgTreatmentMinutes,
		},
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health checks sit in front of auth so probes need no token.
	e.GET("/health", healthHandler(hub))
	e.GET("/health/db", db.HealthHandler(pool))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.Audit(logger))
	deptHandler := department.NewHandler(deptSvc)
	deptHandler.RegisterRoutes(apiV1)
	patientHandler := identity.NewHandler(patientSvc)
	patientHandler.RegisterRoutes(apiV1)
	schedHandler := scheduler.NewHandler(schedSvc)
	schedHandler.RegisterRoutes(apiV1)

	alertHandler := notification.NewAlertHandler(dispatcher)
	alertHandler.RegisterRoutes(
		apiV1.Group("", auth.RequireRole(auth.RoleChargeNurse, auth.RolePhysician, auth.RoleTriageNurse)),
		apiV1.Group("", auth.RequireRole(auth.RoleChargeNurse)),
	)

	// Live queue stream for staff displays.
	wsHandler := websocket.NewWebSocketHandler(hub, cfg.CORSOrigins)
	wsHandler.RegisterRoutes(e.Group(""), authMW, auth.RequireRole(queueReadRoles...))

	// Graceful shutdown
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		schedSvc.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthHandler reports liveness plus how many queue boards are connected.
func healthHandler(hub *websocket.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":             "ok",
			"version":            version,
			"ws_clients":         hub.ClientCount(),
			"ws_all_departments": hub.TopicCount(websocket.AllDepartmentsTopic),
		})
	}
}
