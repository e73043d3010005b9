package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"apiguard/internal/audit"
	"apiguard/internal/auth"
	"apiguard/internal/config"
	"apiguard/internal/middleware"
	"apiguard/internal/models"
	"apiguard/internal/queue"
	"apiguard/internal/ratelimit"
	"apiguard/internal/storage"
	"apiguard/internal/utils"
)

// HealthChecker is implemented by storage.DB and storage.RedisClient.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Resolver *auth.Resolver
	Limiter  ratelimit.Limiter
	Auditor  *audit.Auditor
	Usage    UsageReader

	// Keys and AuditWorker are nil when running without a database.
	Keys        KeyManager
	AuditWorker *storage.AuditQueueWorker

	HealthChecks map[string]HealthChecker

	db       *storage.DB
	redis    *storage.RedisClient
	fileSink *audit.FileSink
	logger   *utils.Logger
}

// BuildDependencies connects to the configured backends and starts the
// audit worker. Without DATABASE_URL the gateway runs on an in-memory
// credential store seeded with DEV_API_KEY; without REDIS_ADDRESS rate
// limiting is disabled and the audit queue stays in process.
func BuildDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	logger := utils.NewLogger("httpapi")
	deps := &Dependencies{
		HealthChecks: make(map[string]HealthChecker),
		logger:       logger,
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		rc, err := storage.NewRedisClient(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.redis = rc
		deps.HealthChecks["redis"] = rc
		redisClient = rc.Client()
	}

	limiter, err := newLimiter(cfg, redisClient, logger)
	if err != nil {
		deps.Shutdown(ctx)
		return nil, err
	}
	deps.Limiter = limiter

	var sinks audit.MultiSink
	if cfg.Database.Enabled() {
		sink, err := deps.connectDatabase(ctx, cfg, redisClient)
		if err != nil {
			deps.Shutdown(ctx)
			return nil, err
		}
		sinks = append(sinks, sink)
	} else {
		store := auth.NewInMemoryCredentialStore()
		key := store.Add(cfg.DevAPIKey, models.APIKey{Name: "dev", Active: true})
		logger.Warn("DATABASE_URL not set, using in-memory credential store",
			"api_key_id", key.ID, "key_prefix", key.KeyPrefix)

		mem := audit.NewMemorySink(cfg.Audit.MemoryLimit)
		deps.Resolver = auth.NewResolver(store)
		deps.Usage = mem
		sinks = append(sinks, mem)
	}
	if cfg.Audit.LogRecords {
		sinks = append(sinks, audit.NewLogSink(utils.NewLogger("audit")))
	}
	if fc := cfg.Audit.File; fc.Enabled() {
		fileSink, err := audit.NewFileSink(audit.FileSinkConfig{
			FileTemplate:  fc.Template,
			MaxSize:       int64(fc.MaxSizeMB) << 20,
			MaxFiles:      fc.MaxFiles,
			BufferSize:    fc.BufferSize,
			FlushInterval: fc.FlushInterval,
		})
		if err != nil {
			deps.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		deps.fileSink = fileSink
		sinks = append(sinks, fileSink)
	}

	deps.Auditor = audit.NewAuditor(sinks, audit.WithWriteTimeout(cfg.Audit.WriteTimeout))
	return deps, nil
}

func newLimiter(cfg *config.Config, client *redis.Client, logger *utils.Logger) (ratelimit.Limiter, error) {
	if client == nil {
		logger.Warn("REDIS_ADDRESS not set, per-key rate limiting disabled")
		return ratelimit.NewNoopLimiter(), nil
	}

	table := ratelimit.NewPolicyTable(ratelimit.DefaultPolicy, nil)
	if cfg.RateLimit.PolicyFile != "" {
		loaded, err := ratelimit.LoadPolicyFile(cfg.RateLimit.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load rate limit policies: %w", err)
		}
		table = loaded
	}

	var opts []ratelimit.Option
	if cfg.RateLimit.FailClosed {
		opts = append(opts, ratelimit.WithFailClosed())
	}
	return ratelimit.NewFixedWindowLimiter(ratelimit.NewRedisCounter(client), table, opts...), nil
}

// connectDatabase wires the key repository and the queued audit pipeline.
// It returns the sink the auditor should write to.
func (d *Dependencies) connectDatabase(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (audit.Sink, error) {
	dbCfg := storage.DefaultDBConfig()
	dbCfg.URL = cfg.Database.URL
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	dbCfg.APIKeyCacheSize = cfg.Cache.APIKeyCacheSize
	dbCfg.APIKeyCacheTTL = cfg.Cache.APIKeyCacheTTL

	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	d.db = db
	d.HealthChecks["database"] = db
	db.StartCacheJanitor(cfg.Cache.APIKeyCacheTTL)

	keyRepo := db.NewAPIKeyRepository()
	statRepo := db.NewRequestStatRepository()
	d.Keys = keyRepo
	d.Usage = statRepo
	d.Resolver = auth.NewResolver(NewDatabaseCredentialStore(keyRepo))

	queueCfg := queue.DefaultConfig(cfg.Audit.QueueName)
	queueCfg.UseRedis = redisClient != nil
	queueCfg.BatchSize = cfg.Audit.BatchSize
	queueCfg.BatchTimeout = cfg.Audit.BatchTimeout
	queueCfg.MaxRetries = cfg.Audit.MaxRetries
	queueCfg.RetryBackoff = cfg.Audit.RetryBackoff

	auditQueue, auditDLQ, err := queue.New(queueCfg, redisClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit queue: %w", err)
	}

	var workerOpts []storage.WorkerOption
	if archiveCfg := cfg.Audit.Archive; archiveCfg.Enabled {
		archive, err := audit.NewS3Archive(ctx, audit.ArchiveConfig{
			Bucket:   archiveCfg.Bucket,
			Region:   archiveCfg.Region,
			Prefix:   archiveCfg.Prefix,
			Instance: archiveCfg.PodName,
			Endpoint: archiveCfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit archive: %w", err)
		}
		workerOpts = append(workerOpts, storage.WithArchiver(archive))
	}

	d.AuditWorker = storage.NewAuditQueueWorker(auditQueue, auditDLQ, statRepo, queueCfg, workerOpts...)
	d.AuditWorker.Start(context.Background())

	return audit.NewQueueSink(auditQueue), nil
}

// Shutdown flushes pending audit records and closes connections. Records
// still in flight when ctx expires are lost.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var errs []error
	if d.Auditor != nil {
		if err := d.Auditor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit writes: %w", err))
		}
	}
	if d.Resolver != nil {
		d.Resolver.Wait()
	}
	if d.fileSink != nil {
		if err := d.fileSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit file: %w", err))
		}
	}
	if d.AuditWorker != nil {
		if err := d.AuditWorker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("audit worker: %w", err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewRouter creates the HTTP router
func NewRouter(deps *Dependencies, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// RequestStart stays outermost so audited durations cover the whole stack.
	r.Use(middleware.RequestStart)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", deps.handleHealth)

	dispatcher := middleware.NewDispatcher(deps.Resolver, deps.Limiter, deps.Auditor)
	api := NewAPIHandler(deps.Usage)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.IPThrottle(cfg.RateLimit.IPRequests, cfg.RateLimit.IPWindow))
		r.Method(http.MethodGet, "/me", dispatcher.Wrap(api.Me))
		r.Method(http.MethodGet, "/usage", dispatcher.Wrap(api.Usage))
	})

	if len(cfg.AdminJWTSecret) == 0 {
		deps.logger.Warn("ADMIN_JWT_SECRET not set, admin routes disabled")
		return r
	}

	r.Route("/admin", func(r chi.Router) {
		viewer := middleware.AdminJWTMiddleware(cfg.AdminJWTSecret, auth.RoleViewer)
		admin := middleware.AdminJWTMiddleware(cfg.AdminJWTSecret, auth.RoleAdmin)

		keys := NewAdminAPIKeysHandler(deps.Keys, deps.Limiter)
		r.With(admin).Delete("/keys/{id}/rate-limit", keys.ResetRateLimit)

		if deps.Keys != nil {
			r.With(viewer).Get("/keys", keys.List)
			r.With(viewer).Get("/keys/{id}", keys.Get)
			r.With(admin).Post("/keys", keys.Create)
			r.With(admin).Put("/keys/{id}/rate-limit", keys.SetRateLimit)
			r.With(admin).Post("/keys/{id}/deactivate", keys.Deactivate)
		}

		if deps.AuditWorker != nil {
			dlq := NewAdminAuditHandler(deps.AuditWorker)
			r.With(viewer).Get("/audit/dead-letters", dlq.ListDeadLetters)
			r.With(admin).Post("/audit/dead-letters/{id}/retry", dlq.RetryDeadLetter)
		}
	})

	return r
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(d.HealthChecks))}
	code := http.StatusOK

	for name, checker := range d.HealthChecks {
		if err := checker.Health(r.Context()); err != nil {
			d.logger.Warn("Health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	utils.RespondWithJSON(w, code, resp)
}
