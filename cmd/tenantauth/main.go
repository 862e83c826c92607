package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantauth/pkg/api"
	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/config"
	"github.com/platinummonkey/tenantauth/pkg/exchange"
	"github.com/platinummonkey/tenantauth/pkg/keys"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/orgswitch"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
	"github.com/platinummonkey/tenantauth/pkg/replay"
	"github.com/platinummonkey/tenantauth/pkg/session"
	"github.com/platinummonkey/tenantauth/pkg/storage"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenantauth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	logger.WithField("version", version).Info("Starting tenantauth")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := storage.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		return err
	}

	redisClient, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	recorder, err := newRecorder(db, cfg.Audit, logger, metrics)
	if err != nil {
		return err
	}

	source, err := keySource(ctx, cfg.Keys)
	if err != nil {
		return err
	}
	provider, err := keys.NewProvider(ctx, source,
		keys.WithLogger(logger),
		keys.WithMetrics(metrics),
		keys.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	tokenService, err := tokens.NewService(provider, tokens.Config{
		Issuer:   cfg.Tokens.Issuer,
		Audience: cfg.Tokens.Audience,
		TTL:      cfg.Tokens.AccessTTL,
	})
	if err != nil {
		return err
	}

	directory := orgs.NewPostgresDirectory(db)
	roles := rbac.NewService(rbac.NewPostgresRoleStore(db), rbac.ServiceOptions{
		StoreTimeout: cfg.StoreTimeout,
		Recorder:     recorder,
	})
	authorizer := session.NewAuthorizer(directory, roles, tokenService, session.Config{StoreTimeout: cfg.StoreTimeout})
	refreshService := refresh.NewService(refresh.NewPostgresStore(db), authorizer, recorder, logger, metrics, refresh.Config{
		TTL:          cfg.Tokens.RefreshTTL,
		StoreTimeout: cfg.StoreTimeout,
	})

	verifier, err := exchangeVerifier(ctx, cfg.Exchange)
	if err != nil {
		return err
	}
	replayStore := replay.NewRedisStore(redisClient, replay.RedisConfig{
		Prefix:  cfg.Exchange.ReplayPrefix,
		Timeout: cfg.StoreTimeout,
	}, logger, metrics)
	exchangeService := exchange.NewService(verifier, replayStore, authorizer, refreshService, recorder, logger, metrics, exchange.Config{
		RequireVerifiedEmail:          cfg.Exchange.RequireVerifiedEmail,
		ProvisionPersonalOrganization: cfg.Exchange.ProvisionPersonalOrg,
		StoreTimeout:                  cfg.StoreTimeout,
	})
	switchService := orgswitch.NewService(authorizer, refreshService, recorder, logger, metrics, nil)

	g, gctx := errgroup.WithContext(ctx)

	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		rlConfig := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.RateLimit.Burst,
		}
		if cfg.RateLimit.Distributed {
			limiter = middleware.NewRedisRateLimiter(redisClient, rlConfig, "tenantauth:ratelimit")
		} else {
			local := middleware.NewLocalRateLimiter(rlConfig)
			local.StartCleanup(gctx)
			limiter = local
		}
	}

	server := api.NewServer(api.Deps{
		Exchange:    exchangeService,
		Refresh:     refreshService,
		Switch:      switchService,
		Tokens:      tokenService,
		Roles:       roles,
		Directory:   directory,
		Keys:        provider,
		Recorder:    recorder,
		Health:      observability.NewHealthChecker(db, redisClient, version),
		Registry:    registry,
		Metrics:     metrics,
		RateLimiter: limiter,
		Logger:      logger,

		StoreTimeout: cfg.StoreTimeout,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("audit", func(context.Context) error { return recorder.Close() })
	shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	shutdown.Register("postgres", func(context.Context) error { return db.Close() })
	shutdown.Register("otel", func(ctx context.Context) error { return observability.ShutdownOTel(ctx, otelProviders, logger) })

	if cfg.Keys.ReloadSchedule != "" {
		scheduler, err := provider.Schedule(cfg.Keys.ReloadSchedule, 30*time.Second)
		if err != nil {
			return err
		}
		shutdown.Register("key reload schedule", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if cfg.Keys.Watch {
		g.Go(func() error { return provider.Watch(gctx, cfg.Keys.Dir) })
	}

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("tenantauth stopped with error")
		return err
	}
	logger.Info("tenantauth stopped")
	return nil
}

// newRecorder writes audit events to Postgres and, when configured, to
// stdout as logrus JSON for log shipping
func newRecorder(db *sql.DB, cfg config.AuditConfig, logger *observability.Logger, metrics *observability.Metrics) (*audit.Recorder, error) {
	dbSink, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, err
	}
	sinks := []audit.Logger{dbSink}

	if cfg.LogStdout {
		shipper := logrus.New()
		shipper.SetOutput(os.Stdout)
		shipper.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		sinks = append(sinks, audit.NewLogrusLogger(shipper))
	}

	return audit.NewRecorder(audit.NewMultiLogger(sinks...), logger, metrics, cfg.WriteTimeout), nil
}

func keySource(ctx context.Context, cfg config.KeysConfig) (keys.Source, error) {
	if cfg.Dir != "" {
		return keys.NewDirSource(cfg.Dir), nil
	}
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return keys.NewS3Source(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func exchangeVerifier(ctx context.Context, cfg config.ExchangeConfig) (exchange.Verifier, error) {
	vc := exchange.VerifierConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		JWKSURL:  cfg.JWKSURL,
	}
	if cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read exchange public key: %w", err)
		}
		if vc.PublicKey, err = exchange.ParsePublicKey(data); err != nil {
			return nil, err
		}
	}
	return exchange.NewOIDCVerifier(ctx, vc)
}
