package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/cronqueue/internal/analytics"
	"github.com/djlord-it/cronqueue/internal/api"
	"github.com/djlord-it/cronqueue/internal/circuitbreaker"
	"github.com/djlord-it/cronqueue/internal/config"
	"github.com/djlord-it/cronqueue/internal/cron"
	"github.com/djlord-it/cronqueue/internal/dispatcher"
	"github.com/djlord-it/cronqueue/internal/joblog"
	"github.com/djlord-it/cronqueue/internal/metrics"
	"github.com/djlord-it/cronqueue/internal/reconciler"
	"github.com/djlord-it/cronqueue/internal/registry"
	"github.com/djlord-it/cronqueue/internal/scheduler"
	"github.com/djlord-it/cronqueue/internal/store/postgres"
	"github.com/djlord-it/cronqueue/internal/workerpool"

	_ "github.com/lib/pq"
)

// cronParserAdapter adapts internal/cron.Parser to scheduler.CronParser interface.
type cronParserAdapter struct {
	parser *cron.Parser
}

func (a *cronParserAdapter) Parse(expression string, timezone string) (scheduler.CronSchedule, error) {
	sched, err := a.parser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`cronqueue - cron job scheduler that dispatches to a work queue

Usage:
  cronqueue <command>

Commands:
  serve      Start the API, scheduler and dispatcher
  migrate    Apply database migrations and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Variables are read from the environment and from ./.env if present.

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  HTTP_ADDR                 HTTP server address (default: ":$PORT" or ":8000")
  DISPLAY_TIMEZONE          Zone next_run_at is reported in (default: "Asia/Kolkata")
  MIGRATE_ON_START          Apply migrations before serving (default: "true")

  WORKER_POOL_SIZE          Concurrent job dispatches (default: "20")
  WORKER_QUEUE_SIZE         Fired jobs waiting for a worker (default: "100")
  JOB_LOG_DIR               Directory of per-job log files (default: ".")

  PUBLISH_MODE              "log", "redis" or "webhook" (default: "log")
  REDIS_ADDR                Redis address for the stream publisher and analytics
  REDIS_PASSWORD            Redis password
  REDIS_STREAM              Stream fired jobs are added to (default: "scheduled_jobs")
  WEBHOOK_URL               Endpoint fired jobs are POSTed to
  WEBHOOK_SECRET            HMAC-SHA256 signing secret (optional)
  WEBHOOK_TIMEOUT           Webhook request timeout (default: "30s")
  ANALYTICS_ENABLED         Count fires per job and hour in Redis (default: "false")
  ANALYTICS_RETENTION       Lifetime of analytics counters (default: "168h")

  CIRCUIT_BREAKER_THRESHOLD Consecutive publish failures before opening, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time the circuit stays open (default: "2m")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Repair incomplete job creations (default: "true")
  RECONCILE_INTERVAL        How often to reconcile (default: "5m")
  RECONCILE_THRESHOLD       Age before a creation counts as abandoned (default: "2m")`)
}

// loadConfig loads and validates configuration, returning the exit code to
// use on failure.
func loadConfig(ctx context.Context) (config.Config, int) {
	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	return cfg, exitSuccess
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("cronqueue: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// probeSchema checks that migrations have created the trigger table.
// Returns sql.ErrNoRows when it is missing.
func probeSchema(ctx context.Context, db *sql.DB) error {
	var one int
	return db.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_name = 'scheduler_triggers'`).Scan(&one)
}

// logConfigWarnings reports configurations that are valid but risky.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("cronqueue: WARNING [P0]: RECONCILE_ENABLED=false; a job whose creation fails half-way keeps firing with a null job id and never records last_run_at")
	}
	if !cfg.MetricsEnabled {
		log.Println("cronqueue: WARNING [P1]: METRICS_ENABLED=false; skipped and coalesced runs are visible in logs only")
	}
	if cfg.PublishMode != config.PublishLog && cfg.CircuitBreakerThreshold == 0 {
		log.Printf("cronqueue: WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0; an unreachable %s destination is called on every fire", cfg.PublishMode)
	}
	if cfg.PublishMode == config.PublishWebhook && cfg.WebhookSecret == "" {
		log.Println("cronqueue: WARNING [P1]: WEBHOOK_SECRET not set; webhook deliveries are unsigned")
	}
	if cfg.WorkerPoolSize > cfg.DBMaxOpenConns {
		log.Printf("cronqueue: WARNING [P2]: WORKER_POOL_SIZE=%d exceeds DB_MAX_OPEN_CONNS=%d; last-run updates may wait for connections",
			cfg.WorkerPoolSize, cfg.DBMaxOpenConns)
	}
	if cfg.PublishMode == config.PublishLog {
		log.Println("cronqueue: INFO: PUBLISH_MODE=log; fired jobs are logged, not delivered to a queue")
	}
}

// buildPublisher returns the publisher for the configured mode. rdb may be
// nil unless the mode is redis.
func buildPublisher(cfg config.Config, rdb redis.Cmdable) dispatcher.Publisher {
	switch cfg.PublishMode {
	case config.PublishRedis:
		return dispatcher.NewRedisStreamPublisher(rdb, cfg.RedisStream)
	case config.PublishWebhook:
		return dispatcher.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
	default:
		return dispatcher.LogPublisher{}
	}
}

func runServe() int {
	cfg, code := loadConfig(context.Background())
	if code != exitSuccess {
		return code
	}
	logConfigWarnings(&cfg)

	displayLoc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	db, err := openDB(startCtx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		v, err := postgres.Migrate(startCtx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to migrate database: %v\n", err)
			return exitRuntimeError
		}
		log.Printf("cronqueue: schema at version %d", v)
	} else if err := probeSchema(startCtx, db); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintln(os.Stderr, "database schema missing; run 'cronqueue migrate' or set MIGRATE_ON_START=true")
		} else {
			fmt.Fprintf(os.Stderr, "failed to check database schema: %v\n", err)
		}
		return exitRuntimeError
	}

	store := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
	triggerStore := postgres.NewTriggerStore(db).WithOpTimeout(cfg.DBOpTimeout)
	parser := cron.NewParser()

	// Initialize metrics sink (optional)
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("cronqueue: metrics enabled (port=%d, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("cronqueue: metrics server listening on %s", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("cronqueue: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("cronqueue: METRICS_ENABLED not set; metrics disabled")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
	}

	jobLogs := joblog.New(cfg.JobLogDir)
	defer func() {
		if err := jobLogs.Close(); err != nil {
			log.Printf("cronqueue: failed to close job logs: %v", err)
		}
	}()

	publisher := buildPublisher(cfg, rdb)
	breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
		OnStateChange(func(key string, from, to circuitbreaker.State) {
			log.Printf("cronqueue: circuit for %s %s -> %s", key, from, to)
			sink.CircuitStateChanged(key, to.String())
		})

	disp := dispatcher.New(store, publisher, jobLogs).
		WithBreaker(breaker).
		WithMetrics(sink).
		WithStoreTimeout(cfg.DBOpTimeout)

	// Wire analytics if enabled
	if cfg.AnalyticsEnabled {
		disp = disp.WithAnalytics(analytics.NewRedisSink(rdb, cfg.AnalyticsRetention))
		log.Printf("cronqueue: analytics enabled (redis=%s, retention=%s)", cfg.RedisAddr, cfg.AnalyticsRetention)
	}
	log.Printf("cronqueue: publishing to %s", publisher.Target())

	pool := workerpool.New(cfg.WorkerPoolSize, cfg.WorkerQueueSize, workerpool.WithMetrics(sink))
	engine := scheduler.New(
		scheduler.Config{Timezone: "UTC", PersistTimeout: cfg.DBOpTimeout},
		triggerStore,
		&cronParserAdapter{parser: parser},
		pool,
	).WithMetrics(sink)
	engine.RegisterCallback(registry.DefaultCallback, disp.Dispatch)

	if err := engine.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start scheduler: %v\n", err)
		return exitRuntimeError
	}

	reg := registry.New(store, engine, parser).WithDisplayLocation(displayLoc)
	apiHandler := api.NewHandler(reg, parser).
		WithHealthChecker(db).
		WithMetrics(sink)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("cronqueue: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("cronqueue: http server error: %v", err)
		}
	}()

	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
			},
			store,
			engine,
		).WithMetrics(sink)
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
	} else {
		log.Println("cronqueue: RECONCILE_ENABLED not set; reconciler disabled")
	}

	log.Printf("cronqueue: started (version=%s, http=%s, workers=%d)", version, cfg.HTTPAddr, cfg.WorkerPoolSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("cronqueue: received signal %v, shutting down", received)

	// Phase 1: Stop HTTP server (no new jobs registered)
	log.Println("cronqueue: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("cronqueue: http server shutdown error: %v", err)
	}
	log.Println("cronqueue: http server stopped")

	// Phase 2: Stop reconciler (no further repairs)
	if cancelReconciler != nil {
		log.Println("cronqueue: stopping reconciler...")
		cancelReconciler()
		reconcilerWg.Wait()
		log.Println("cronqueue: reconciler stopped")
	}

	// Phase 3: Stop scheduler (no new fires, trigger state flushed)
	log.Println("cronqueue: stopping scheduler...")
	engine.Stop()
	log.Println("cronqueue: scheduler stopped")

	// Phase 4: Give queued and running dispatches a bounded chance to finish
	// before their job logs and connections are closed.
	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Println("cronqueue: dispatches drained")
	case <-time.After(cfg.HTTPShutdownTimeout):
		log.Println("cronqueue: dispatch drain timed out; abandoning running jobs")
	}

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("cronqueue: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("cronqueue: metrics server shutdown error: %v", err)
		}
		log.Println("cronqueue: metrics server stopped")
	}

	log.Println("cronqueue: stopped")
	return exitSuccess
}

func runMigrate() int {
	cfg, code := loadConfig(context.Background())
	if code != exitSuccess {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	v, err := postgres.Migrate(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate database: %v\n", err)
		return exitRuntimeError
	}

	fmt.Printf("schema at version %d\n", v)
	return exitSuccess
}

func runValidate() int {
	if _, code := loadConfig(context.Background()); code != exitSuccess {
		return code
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("cronqueue version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
