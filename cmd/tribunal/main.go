package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsguild/tribunal/pkg/api"
	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/auth"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/config"
	"github.com/opsguild/tribunal/pkg/configgov"
	"github.com/opsguild/tribunal/pkg/dispatch"
	"github.com/opsguild/tribunal/pkg/observability"
	"github.com/opsguild/tribunal/pkg/queue"
	"github.com/opsguild/tribunal/pkg/voting"
	"github.com/opsguild/tribunal/pkg/workflow"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	logger.Info("sqlite: connected", "path", cfg.DatabasePath)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Insecure = cfg.OTelInsecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Audit trail with durable sink.
	trail := audit.NewTrail()
	auditSink, err := audit.NewSQLiteSink(db)
	if err != nil {
		return err
	}
	trail.AddSink(auditSink.Sink())

	// Role matrix.
	evaluator := authz.NewEvaluator()
	if err := evaluator.LoadMatrix(cfg.RoleMatrixPath); err != nil {
		logger.Warn("role matrix not loaded, only superusers will pass capability checks",
			"path", cfg.RoleMatrixPath, "error", err)
	}

	// Dispatch outbox is optional; without Redis the activity workflow still
	// runs but publish commands go nowhere.
	var outbox *dispatch.Outbox
	var publisher workflow.Publisher
	if cfg.RedisAddr != "" {
		outbox = dispatch.NewOutbox(cfg.RedisAddr, cfg.RedisPassword, 0, trail)
		publisher = outbox
		logger.Info("dispatch outbox: enabled", "addr", cfg.RedisAddr)
	}

	workflows, apps, err := buildWorkflows(db, trail, publisher)
	if err != nil {
		return err
	}
	agg := queue.NewAggregator()
	for _, wf := range workflows {
		agg.Register(wf)
	}

	votes := voting.NewEngine(apps, trail)

	govStore, err := configgov.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	policy, err := configgov.NewApprovalPolicy(cfg.ApprovalRule)
	if err != nil {
		return err
	}
	governor, err := configgov.NewGovernor(govStore, configgov.NewSchemaRegistry(), policy, trail)
	if err != nil {
		return err
	}

	server := api.NewServer(agg, votes, governor, outbox, trail).WithMetrics(obs)

	validator := auth.NewValidator([]byte(cfg.JWTSecret))
	if validator == nil {
		logger.Warn("JWT_SECRET not set, requests are rejected as unauthorized")
	}
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	var handler http.Handler = server.Routes()
	handler = auth.NewMiddleware(validator, evaluator)(handler)
	handler = limiter.Middleware(handler)
	handler = api.WithRequestID(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http: listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildWorkflows constructs one workflow per reviewable item type, all backed
// by the shared SQLite items table. The application workflow is returned
// separately because the voting engine finalizes applications through it.
func buildWorkflows(db *sql.DB, trail *audit.Trail, pub workflow.Publisher) ([]*workflow.Workflow, *workflow.Workflow, error) {
	machines := []workflow.Machine{
		workflow.ApplicationMachine(),
		workflow.OrderMachine(),
		workflow.ActivityMachine(pub),
		workflow.VacationMachine(),
		workflow.BlacklistRemovalMachine(),
		workflow.VerificationMachine(),
	}

	var (
		workflows []*workflow.Workflow
		apps      *workflow.Workflow
	)
	for _, m := range machines {
		store, err := workflow.NewSQLiteStore(db, m.Type)
		if err != nil {
			return nil, nil, err
		}
		wf := workflow.New(m, store, trail)
		if m.Type == workflow.TypeApplication {
			apps = wf
		}
		workflows = append(workflows, wf)
	}
	return workflows, apps, nil
}
