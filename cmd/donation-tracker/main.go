package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/Klem/donation-tracker/internal/bank"
	"github.com/Klem/donation-tracker/internal/ingestion"
	"github.com/Klem/donation-tracker/internal/observability"
	"github.com/Klem/donation-tracker/internal/persistence"
	"github.com/Klem/donation-tracker/internal/projection"
	"github.com/Klem/donation-tracker/internal/query"
	"github.com/Klem/donation-tracker/internal/receipt"
	"github.com/Klem/donation-tracker/internal/server"
	"github.com/Klem/donation-tracker/internal/tracker"
)

type appConfig struct {
	postgresDSN string
	natsURL     string

	httpBind       string
	httpPort       int
	metricsAddr    string
	adminToken     string
	allowedOrigins []string

	owner         tracker.Account
	ledgerAccount tracker.Account
	recipients    []tracker.Recipient

	maxDonationsPerDonator int
	maxActiveDonators      int

	persistChanSize    int
	projectionChanSize int
	persistBatchSize   int
	persistFlushMs     int

	snapshotInterval time.Duration
	idempotencyWarm  int

	migrationsDir string
	runMigrations bool
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func loadConfig(log zerolog.Logger) (*appConfig, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &appConfig{}

	flag.StringVar(&cfg.postgresDSN, "postgres-dsn",
		envStr("DONATION_POSTGRES_DSN", "postgres://localhost:5432/donation_tracker?sslmode=disable"),
		"Postgres connection string")
	flag.StringVar(&cfg.natsURL, "nats-url",
		envStr("DONATION_NATS_URL", "nats://localhost:4222"),
		"NATS server URL")
	flag.StringVar(&cfg.httpBind, "http-bind",
		envStr("DONATION_HTTP_BIND", "0.0.0.0"), "HTTP bind address")
	flag.IntVar(&cfg.httpPort, "http-port",
		envInt("DONATION_HTTP_PORT", 8080), "HTTP port")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr",
		envStr("DONATION_METRICS_ADDR", ":9091"), "Prometheus metrics listen address")
	flag.StringVar(&cfg.migrationsDir, "migrations-dir",
		envStr("DONATION_MIGRATIONS_DIR", "migrations"), "migrations directory")
	flag.BoolVar(&cfg.runMigrations, "migrate",
		envStr("DONATION_RUN_MIGRATIONS", "true") == "true",
		"run pending migrations on startup")
	flag.Parse()

	cfg.adminToken = os.Getenv("DONATION_ADMIN_TOKEN")
	cfg.owner = tracker.Account(envStr("DONATION_OWNER", ""))
	cfg.ledgerAccount = tracker.Account(envStr("DONATION_LEDGER_ACCOUNT", "tracker:vault"))

	if raw := os.Getenv("DONATION_ALLOWED_ORIGINS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.allowedOrigins); err != nil {
			return nil, fmt.Errorf("parse DONATION_ALLOWED_ORIGINS: %w", err)
		}
	}

	rawRecipients := os.Getenv("DONATION_RECIPIENTS")
	if rawRecipients == "" {
		return nil, fmt.Errorf("DONATION_RECIPIENTS is required (JSON array of {name, account, percentage})")
	}
	if err := json.Unmarshal([]byte(rawRecipients), &cfg.recipients); err != nil {
		return nil, fmt.Errorf("parse DONATION_RECIPIENTS: %w", err)
	}
	if cfg.owner == "" {
		return nil, fmt.Errorf("DONATION_OWNER is required")
	}

	cfg.maxDonationsPerDonator = envInt("DONATION_MAX_LOTS_PER_DONATOR", tracker.DefaultMaxDonationsPerDonator)
	cfg.maxActiveDonators = envInt("DONATION_MAX_ACTIVE_DONATORS", tracker.DefaultMaxActiveDonators)

	cfg.persistChanSize = envInt("DONATION_PERSIST_CHAN_SIZE", 1024)
	cfg.projectionChanSize = envInt("DONATION_PROJECTION_CHAN_SIZE", 2048)
	cfg.persistBatchSize = envInt("DONATION_PERSIST_BATCH_SIZE", 50)
	cfg.persistFlushMs = envInt("DONATION_PERSIST_FLUSH_MS", 10)
	cfg.snapshotInterval = time.Duration(envInt("DONATION_SNAPSHOT_INTERVAL_SEC", 300)) * time.Second
	cfg.idempotencyWarm = envInt("DONATION_IDEMPOTENCY_WARM_KEYS", 10_000)

	log.Info().
		Str("postgres", cfg.postgresDSN).
		Str("nats", cfg.natsURL).
		Int("recipients", len(cfg.recipients)).
		Int("http_port", cfg.httpPort).
		Msg("configuration loaded")

	return cfg, nil
}

func main() {
	log := observability.NewLogger("main")

	cfg, err := loadConfig(log)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.postgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatal().Err(err).Msg("ping postgres")
	}
	pingCancel()

	if cfg.runMigrations {
		if err := persistence.NewMigrator(db, cfg.migrationsDir).Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	persistChan := make(chan tracker.Output, cfg.persistChanSize)
	projectionChan := make(chan tracker.Output, cfg.projectionChanSize)

	vault := bank.NewVault()
	minter := receipt.NewMinter()
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	engine, err := tracker.NewEngine(tracker.Config{
		Owner:                  cfg.owner,
		LedgerAccount:          cfg.ledgerAccount,
		Recipients:             cfg.recipients,
		MaxDonationsPerDonator: cfg.maxDonationsPerDonator,
		MaxActiveDonators:      cfg.maxActiveDonators,
	}, vault, minter, dbChecker, metrics, persistChan, projectionChan)
	if err != nil {
		log.Fatal().Err(err).Msg("construct engine")
	}

	snapshots := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, log, engine, minter, snapshots, metrics); err != nil {
		log.Fatal().Err(err).Msg("recover state")
	}

	nc, js, err := ingestion.ConnectNATS(cfg.natsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()

	if err := ingestion.EnsureCommandStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	loop := tracker.NewLoop(engine, clockwork.NewRealClock(), 1024, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	persistWorker := persistence.NewWorker(db, persistChan, cfg.persistBatchSize,
		time.Duration(cfg.persistFlushMs)*time.Millisecond, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := persistWorker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	// The engine publishes one projection stream; fan it out to the read-
	// model updater and the outbound publisher. Both sends are non-blocking:
	// read models catch up from the log, and outbound events are best-effort.
	projWorkerChan := make(chan tracker.Output, cfg.projectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.projectionChanSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(projWorkerChan)
		defer close(publishChan)
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-projectionChan:
				if !ok {
					return
				}
				select {
				case projWorkerChan <- out:
				default:
					metrics.ProjectionDrops.Inc()
				}
				select {
				case publishChan <- ingestion.PublishableEvent{
					Sequence:       out.Envelope.Sequence,
					EventType:      out.Envelope.EventType.String(),
					IdempotencyKey: out.Envelope.IdempotencyKey,
					Payload:        json.RawMessage(out.Envelope.Payload),
					StateHash:      out.Envelope.StateHash[:],
					Timestamp:      out.Envelope.Timestamp,
				}:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}()

	projWorker := projection.NewWorker(db, projWorkerChan, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := projWorker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("projection worker stopped")
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("outbound publisher stopped")
		}
	}()

	commandChan := make(chan ingestion.RawCommand, 256)
	subscriber := ingestion.NewNATSSubscriber(js, commandChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("subscribe to command subjects")
	}

	shell := ingestion.NewShell(loop, commandChan, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := shell.Run(ctx); err != nil {
			log.Error().Err(err).Msg("ingestion shell stopped")
		}
	}()

	srv := server.New(server.Config{
		Bind:           cfg.httpBind,
		Port:           cfg.httpPort,
		AdminToken:     cfg.adminToken,
		Owner:          cfg.owner,
		AllowedOrigins: cfg.allowedOrigins,
	}, loop, query.NewService(db), minter, health, metrics, log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.metricsAddr, Handler: metricsMux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		metricsServer.Shutdown(shutCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.metricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshotLoop(ctx, log, loop, minter, snapshots, metrics, cfg.snapshotInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("commands", len(commandChan), cap(commandChan))
			}
		}
	}()

	health.SetReady(true)
	log.Info().Msg("donation tracker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	health.SetReady(false)
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	// Final snapshot before tearing down the loop, so the next start replays
	// as little as possible.
	takeSnapshot(shutdownCtx, log, loop, minter, snapshots, metrics)

	cancel()
	wg.Wait()
	log.Info().Msg("donation tracker stopped")
}

// recoverState rebuilds the engine from the latest snapshot plus the command
// log. With no snapshot the full log is replayed from the start.
func recoverState(
	ctx context.Context,
	log zerolog.Logger,
	engine *tracker.Engine,
	minter *receipt.Minter,
	snapshots *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	started := time.Now()

	fromCommandSeq := int64(0)
	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		engine.RestoreFromSnapshot(snap.Engine)
		minter.Restore(snap.Tokens)
		engine.WarmLRU(snap.Engine.IdempotencyKeys)
		fromCommandSeq = snap.Engine.CommandSeq + 1
		log.Info().
			Int64("command_seq", snap.Engine.CommandSeq).
			Int64("sequence", snap.Engine.Sequence).
			Msg("restored from snapshot")
	}

	replayed := 0
	for {
		rows, err := snapshots.LoadCommandsFrom(ctx, fromCommandSeq, 1000)
		if err != nil {
			return fmt.Errorf("load commands from %d: %w", fromCommandSeq, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			cmd, err := tracker.UnmarshalCommand(row.Name, row.Payload)
			if err != nil {
				return fmt.Errorf("decode command %d (%s): %w", row.CommandSeq, row.Name, err)
			}
			if err := engine.Replay(cmd, row.AppliedAt); err != nil {
				return fmt.Errorf("replay command %d (%s): %w", row.CommandSeq, row.Name, err)
			}
			replayed++
			metrics.ReplayCommandsTotal.Inc()
		}
		fromCommandSeq = rows[len(rows)-1].CommandSeq + 1
	}

	metrics.ReplayDuration.Set(time.Since(started).Seconds())
	log.Info().
		Int("replayed", replayed).
		Int64("sequence", engine.Sequence()).
		Int64("command_seq", engine.CommandSequence()).
		Dur("took", time.Since(started)).
		Msg("recovery complete")
	return nil
}

func runSnapshotLoop(
	ctx context.Context,
	log zerolog.Logger,
	loop *tracker.Loop,
	minter *receipt.Minter,
	snapshots *persistence.SnapshotManager,
	metrics *observability.Metrics,
	interval time.Duration,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			takeSnapshot(ctx, log, loop, minter, snapshots, metrics)
		}
	}
}

func takeSnapshot(
	ctx context.Context,
	log zerolog.Logger,
	loop *tracker.Loop,
	minter *receipt.Minter,
	snapshots *persistence.SnapshotManager,
	metrics *observability.Metrics,
) {
	started := time.Now()

	var state *tracker.SnapshotState
	if err := loop.View(ctx, func(e *tracker.Engine) {
		state = e.CreateSnapshotState()
	}); err != nil {
		log.Error().Err(err).Msg("snapshot: capture state")
		return
	}

	snap := &persistence.SnapshotData{
		Engine:    state,
		Tokens:    minter.Tokens(),
		CreatedAt: time.Now().UTC(),
	}
	size, err := snapshots.SaveSnapshot(ctx, snap)
	if err != nil {
		log.Error().Err(err).Msg("snapshot: save")
		return
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastCommand.Set(float64(state.CommandSeq))
	log.Info().
		Int64("command_seq", state.CommandSeq).
		Dur("took", time.Since(started)).
		Msg("snapshot saved")
}
