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

	"github.com/featureline-labs/featureline-go/internal/featurecache"
	"github.com/featureline-labs/featureline-go/internal/featurestore"
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

	addr := env.String("FEATUREAPI_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FEATUREAPI_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	cacheTTL, err := env.Duration("FEATUREAPI_CACHE_TTL", 30*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	refreshTimeout, err := env.Duration("FEATUREAPI_REFRESH_TIMEOUT", 2*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

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
	startupCtx, storeCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		storeCancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	storeCancel()

	exports := featurestore.NewExportArchiver(storeClient, storeCfg.BucketExports)

	loader := featurestore.NewLoader(db)
	cache := featurecache.NewService(
		featurecache.Config{
			KeyField:       "user_id",
			TTL:            cacheTTL,
			RefreshTimeout: refreshTimeout,
		},
		loader.Load,
	)

	warmCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	if err := cache.Refresh(warmCtx); err != nil {
		// Serve on an empty snapshot; readiness reports the failure and
		// the next refresh retries the load.
		logger.Warn("initial cache load failed", "error", err)
	}
	cancel()

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
	mux.HandleFunc("/healthz", httpserver.Healthz("featureapi"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"featureapi",
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
			httpserver.ReadinessCheck{
				Name: "feature_cache",
				Check: func(ctx context.Context) error {
					health := cache.Health()
					if health.RowCount == 0 && health.RefreshFailed() {
						return errors.New(health.LastError)
					}
					return nil
				},
			},
		),
	)

	api := newFeatureAPI(logger, cache, exports)
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
		Service:         "featureapi",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "featureapi", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
