package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Mega-0064/Learning-Platform/pkg/database"
	"github.com/Mega-0064/Learning-Platform/pkg/health"
	pkgkafka "github.com/Mega-0064/Learning-Platform/pkg/kafka"
	"github.com/Mega-0064/Learning-Platform/pkg/middleware"
	"github.com/Mega-0064/Learning-Platform/pkg/tracing"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/auth"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/config"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/event"
	handler "github.com/Mega-0064/Learning-Platform/services/auth/internal/handler/http"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/mailer"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/memory"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/postgres"
	redisrepo "github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/redis"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/service"
	"github.com/Mega-0064/Learning-Platform/services/auth/migrations"
)

// App wires together all dependencies and runs the auth service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	tokens         *service.SingleUseTokenStore
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// repositories is the storage backend selected by STORAGE_DRIVER.
type repositories struct {
	users       repository.UserRepository
	tokens      repository.SingleUseTokenRepository
	identities  repository.ExternalIdentityRepository
	revocations repository.RevocationStore
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	healthHandler := health.NewHandler()

	repos, err := a.initStorage(ctx, healthHandler)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	mail := a.initMailer(healthHandler)

	// Build the dependency graph.
	jwtManager := auth.NewJWTManager(auth.Config{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessExpiry:  cfg.JWTAccessExpiry,
		RefreshExpiry: cfg.JWTRefreshExpiry,
		Issuer:        cfg.JWTIssuer,
	})
	issuer := service.NewTokenIssuer(jwtManager, repos.users, repos.revocations, logger)
	a.tokens = service.NewSingleUseTokenStore(repos.tokens, repos.users, cfg.VerificationTokenTTL, cfg.ResetTokenTTL, logger)
	credentials := service.NewCredentialService(service.CredentialDeps{
		Users:                    repos.users,
		Identities:               repos.identities,
		Tokens:                   a.tokens,
		Issuer:                   issuer,
		Hasher:                   service.NewPasswordHasher(cfg.BcryptCost),
		Mailer:                   mail,
		Logger:                   logger,
		RequireEmailVerification: cfg.RequireEmailVerification,
	})

	// HTTP router.
	router := handler.NewRouter(handler.RouterDeps{
		Credentials: credentials,
		Gate:        service.NewGate(jwtManager, repos.users),
		Health:      healthHandler,
		Logger:      logger,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			ExposedHeaders: []string{middleware.CorrelationHeader},
		},
		RateLimit: middleware.RateLimitConfig{
			RPS:            cfg.RateLimitRPS,
			Burst:          cfg.RateLimitBurst,
			TrustForwarded: cfg.RateLimitTrustForwarded,
		},
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStorage connects the configured backend and registers its health checks.
func (a *App) initStorage(ctx context.Context, h *health.Handler) (*repositories, error) {
	if a.cfg.StorageDriver == config.StorageDriverMemory {
		a.logger.Warn("using in-memory storage; data is lost on restart")
		store := memory.New()
		return &repositories{
			users:       store.Users(),
			tokens:      store.Tokens(),
			identities:  store.Identities(),
			revocations: store.Revocations(),
		}, nil
	}

	// Initialize PostgreSQL connection pool.
	pool, err := database.NewPostgresPool(ctx, &a.cfg.Postgres, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", a.cfg.Postgres.Host),
		slog.Int("port", a.cfg.Postgres.Port),
		slog.String("database", a.cfg.Postgres.DBName),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, "auth"); err != nil {
		a.logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations completed")

	// Configure slow query logging.
	if a.cfg.SlowQueryThreshold > 0 {
		database.SetSlowQueryLogging(a.cfg.SlowQueryThreshold, a.logger)
	}

	// Redis holds revoked refresh tokens.
	client, err := database.NewRedisClient(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.logger.Info("connected to Redis", slog.String("addr", a.cfg.Redis.Addr()))

	h.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	h.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	return &repositories{
		users:       postgres.NewUserRepository(pool),
		tokens:      postgres.NewSingleUseTokenRepository(pool),
		identities:  postgres.NewExternalIdentityRepository(pool),
		revocations: redisrepo.NewRevocationStore(client),
	}, nil
}

// initMailer selects the email delivery path.
func (a *App) initMailer(h *health.Handler) service.Mailer {
	if a.cfg.MailerDriver == config.MailerDriverLog {
		return mailer.NewLogMailer(a.cfg.AppBaseURL, a.logger)
	}

	a.producer = pkgkafka.NewProducer(a.cfg.Kafka, a.logger)
	a.logger.Info("kafka producer initialized", slog.Any("brokers", a.cfg.Kafka.Brokers))
	h.RegisterOptional("kafka", func(ctx context.Context) error {
		return a.producer.Ping(ctx)
	})
	return event.NewEmailProducer(a.producer, a.cfg.AppBaseURL, a.logger)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	if a.cfg.TokenPurgeInterval > 0 {
		go a.purgeLoop(purgeCtx)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		stopPurge()
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// purgeLoop deletes expired single-use tokens until ctx ends.
func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TokenPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeExpiredTokens(ctx)
		}
	}
}

func (a *App) purgeExpiredTokens(ctx context.Context) {
	n, err := a.tokens.PurgeExpired(ctx, a.cfg.TokenPurgeGrace)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to purge expired tokens", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "purged expired tokens", slog.Int64("count", n))
	}
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka producer, Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Release backing services.
	errs = append(errs, a.closeResources()...)

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources() []error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errs
}
