package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/featureline-labs/featureline-go/internal/featurestore"
	"github.com/featureline-labs/featureline-go/internal/pipeline"
	"github.com/featureline-labs/featureline-go/internal/platform/auth"
	"github.com/featureline-labs/featureline-go/internal/platform/env"
	"github.com/featureline-labs/featureline-go/internal/platform/httpserver"
	"github.com/featureline-labs/featureline-go/internal/platform/objectstore"
	"github.com/featureline-labs/featureline-go/internal/platform/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PIPELINED_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("PIPELINED_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxConcurrent, err := env.Int("PIPELINED_MAX_CONCURRENT_TASKS", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	historyLimit, err := env.Int("PIPELINED_RUN_HISTORY_LIMIT", 32)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	featureAPIBase := env.String("PIPELINED_FEATUREAPI_BASE_URL", "http://localhost:8080")

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	archiver := featurestore.NewReportArchiver(storeClient, storeCfg.BucketReports)

	scheduler := pipeline.NewScheduler(
		pipeline.Config{
			MaxConcurrent: maxConcurrent,
			HistoryLimit:  historyLimit,
			OnFinish: func(run pipeline.PipelineRun) {
				archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				key, sha, err := archiver.Archive(archiveCtx, run)
				if err != nil {
					logger.Error("run report archive failed",
						"run_id", run.RunID, "pipeline", run.Pipeline, "error", err)
					return
				}
				logger.Info("run finished",
					"run_id", run.RunID,
					"pipeline", run.Pipeline,
					"status", string(run.Status),
					"report_key", key,
					"report_sha256", sha,
				)
			},
		},
		func(ev pipeline.Event) {
			attrs := []any{
				"run_id", ev.RunID,
				"pipeline", ev.Pipeline,
				"task_id", ev.TaskID,
				"attempt", ev.Attempt,
				"from", string(ev.From),
				"to", string(ev.To),
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err.Error())
				logger.Warn("task transition", attrs...)
				return
			}
			logger.Info("task transition", attrs...)
		},
	)

	registry := churnTaskRegistry(logger, db, featureAPIBase)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := buildAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipelined"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipelined",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newPipelineAPI(logger, scheduler, registry)
	api.register(mux)

	if svc, ok := authenticator.(*auth.OIDCService); ok {
		if err := svc.Register(mux); err != nil {
			logger.Error("auth routes init failed", "error", err)
			os.Exit(2)
		}
	}

	var handler http.Handler = mux
	if authCfg.Mode != auth.ModeDisabled {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			SkipPrefixes:  []string{"/healthz", "/readyz", "/auth/"},
		}.Wrap(mux)
	}

	cfg := httpserver.Config{
		Service:         "pipelined",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipelined", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		return auth.NewOIDCService(ctx, cfg)
	case auth.ModeDev:
		return auth.NewDevAuthenticator(cfg), nil
	default:
		return nil, nil
	}
}
