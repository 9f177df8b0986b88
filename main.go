package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"order-core/internal/api"
	"order-core/internal/broadcast"
	"order-core/internal/credentials"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/queue"
	"order-core/internal/reconciliation"
	"order-core/internal/transport"
	"order-core/pkg/cache"
	"order-core/pkg/config"
	"order-core/pkg/crypto"
	"order-core/pkg/db"
	"order-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("order core exited", zap.Error(err))
	}
}

// issueToken prints a bearer token for the operator API.
func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "user id the token acts as")
	role := fs.String("role", api.RoleUser, "user or operator")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tok, exp, err := api.IssueToken(cfg.JWTSecret, *user, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	logger.Info("starting order core",
		zap.String("version", buildVersion),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("dry_run", cfg.DryRun))

	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.DBPath); dir != "." && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	queries := database.Queries()

	keys, err := crypto.NewKeyManager(os.Getenv)
	if err != nil {
		return fmt.Errorf("init key manager: %w", err)
	}
	creds := credentials.NewStore(queries, keys, logger.Named("credentials"))
	if rotated, err := creds.RotateKeys(ctx); err != nil {
		logger.Warn("credential key rotation incomplete", zap.Int("rotated", rotated), zap.Error(err))
	}

	bus := events.NewBus()
	metrics := monitor.NewDispatchMetrics()

	registry := transport.DefaultRegistry()
	client := transport.NewClient(registry, transport.Config{
		Timeout:    cfg.Transport.Timeout,
		RecvWindow: cfg.Transport.RecvWindow,
		RateLimit:  cfg.Transport.RateLimit,
		Burst:      cfg.Transport.Burst,
		Health: transport.HealthConfig{
			FailureThreshold: cfg.Transport.FailureThreshold,
			CircuitTimeout:   cfg.Transport.CircuitTimeout,
		},
	}, transport.WithMetrics(metrics), transport.WithLogger(logger.Named("transport")))

	queueMgr, err := queue.NewManager(queueConfig(cfg.Queue), queue.WithLogger(logger.Named("queue")))
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	positions := cache.NewPositionCache(cfg.PositionCacheTTL, queries.OpenPositionsByUser)
	hub := broadcast.NewHub(
		broadcast.WithAllowedOrigins(cfg.API.AllowedOrigins),
		broadcast.WithLogger(logger.Named("ws")),
	)

	var placer order.Placer = client
	if cfg.DryRun {
		placer = order.NewDryRunPlacer(order.DryRunConfig{
			SlippageBps: 5,
			MinLatency:  cfg.DryRunLatency / 2,
			MaxLatency:  cfg.DryRunLatency,
		}, logger.Named("dry_run"))
		logger.Warn("dry-run mode: orders are acknowledged locally and never reach an exchange")
	}

	engineOpts := []order.Option{
		order.WithLedger(queries),
		order.WithBus(bus),
		order.WithMetrics(metrics),
		order.WithCache(positions),
		order.WithLogger(logger.Named("order")),
	}
	if cfg.EnableJournal {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		journal, err := order.OpenJournal(cfg.JournalPath, logger.Named("journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		engineOpts = append(engineOpts, order.WithJournal(journal))
	}
	engine := order.NewEngine(order.Config{
		Workers:         cfg.Workers,
		DispatchTimeout: cfg.DispatchTimeout,
		Exchanges:       registry.Names(),
	}, queueMgr, placer, creds, order.NewScorer(cfg.Priority), engineOpts...)

	requeued, unknown, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if requeued > 0 || unknown > 0 {
		logger.Info("journal recovered", zap.Int("requeued", requeued), zap.Int("outcome_unknown", unknown))
	}

	reconciler := reconciliation.NewService(reconciliation.Config{
		Interval:         cfg.Reconciliation.Interval,
		UserTimeout:      cfg.Reconciliation.UserTimeout,
		FetchConcurrency: cfg.Reconciliation.FetchConcurrency,
	}, queries, creds, client,
		reconciliation.WithBroadcaster(hub),
		reconciliation.WithCache(positions),
		reconciliation.WithBus(bus),
		reconciliation.WithMetrics(metrics),
		reconciliation.WithLogger(logger.Named("reconciliation")),
	)

	mon := &monitor.Monitor{
		Bus:    bus,
		Sink:   monitor.LogSink{Logger: logger.Named("alerts")},
		Logger: logger.Named("monitor"),
	}
	mon.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	if cfg.Reconciliation.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepCache(ctx, positions, cfg.PositionCacheTTL, logger)
	}()

	server := api.NewServer(cfg, api.Deps{
		Orders:      engine,
		Reconciler:  reconciler,
		Positions:   positions,
		History:     queries,
		Credentials: creds,
		Hub:         hub,
	}, api.SystemMeta{
		DryRun:    cfg.DryRun,
		Exchanges: registry.Names(),
		Version:   buildVersion,
	}, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	hub.Close()
	wg.Wait()

	snap := metrics.Snapshot()
	logger.Info("order core stopped",
		zap.Uint64("submitted", snap.Submitted),
		zap.Uint64("completed", snap.Completed),
		zap.Uint64("failed", snap.Failed),
		zap.Uint64("bus_dropped", bus.Dropped()))
	return nil
}

// queueConfig maps configured lanes onto the queue. The last lane catches
// every remaining score.
func queueConfig(qc config.QueueConfig) queue.Config {
	out := queue.Config{
		AgingThreshold: qc.AgingThreshold,
		AgingFactor:    qc.AgingFactor,
		AgingFloor:     qc.AgingFloor,
	}
	for i, l := range qc.Lanes {
		floor := l.MinScore
		if i == len(qc.Lanes)-1 {
			floor = math.Inf(-1)
		}
		out.Lanes = append(out.Lanes, queue.LaneConfig{
			Name:     queue.Lane(l.Name),
			MinScore: floor,
			Budget:   l.Budget,
		})
	}
	return out
}

func sweepCache(ctx context.Context, c *cache.PositionCache, ttl time.Duration, logger *zap.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				logger.Debug("position cache swept", zap.Int("evicted", n))
			}
		}
	}
}
