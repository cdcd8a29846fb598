package main

import (
	"KeepTrade/internal/config"
	"KeepTrade/internal/core"
	"KeepTrade/internal/event"
	"KeepTrade/internal/ingestion"
	"KeepTrade/internal/observability"
	"KeepTrade/internal/persistence"
	"KeepTrade/internal/projection"
	"KeepTrade/internal/query"
	"KeepTrade/internal/server"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	replayPageSize = 1000
	submitTimeout  = 5 * time.Second
)

func main() {
	var rebuild bool
	root := &cobra.Command{
		Use:   "keeptrade",
		Short: "Escrow-and-fill trade ledger service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			run(cfg, rebuild)
			return nil
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&rebuild, "rebuild-projections", false, "truncate projections, rebuild them from the event log and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// run starts the service and blocks until it has shut down. Startup
// failures are fatal.
func run(cfg *config.Config, rebuild bool) {
	logger := observability.NewComponentLogger("keeptrade", observability.LogOptions{
		Level:   observability.ParseLogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Format == "console",
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().Str("config", cfg.String()).Msg("KeepTrade starting")

	// serveCtx governs intake: servers, NATS and the snapshotter. coreCtx
	// outlives it so the sequencer finishes the command in hand.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := openPostgres(serveCtx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger.With().Str("sub", "migrate").Logger())
	if err := migrator.Up(serveCtx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	if rebuild {
		if err := projection.RebuildProjections(serveCtx, db, cfg.Core.Governance, cfg.Core.FeeConfig, logger); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}
		return
	}
	if err := projection.SeedFeeConfig(serveCtx, db, cfg.Core.Governance, cfg.Core.FeeConfig); err != nil {
		logger.Fatal().Err(err).Msg("seed fee config projection")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery point ---
	snap, err := snapMgr.LoadLatestSnapshot(serveCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}
	persisted, err := snapMgr.GetLatestSequence(serveCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read event log head")
	}

	// --- Channels ---
	// persist blocks (backpressure), projection and publish drop on full
	persistCoreChan := make(chan core.CoreOutput, cfg.Persistence.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.Output, cfg.Persistence.PersistChanSize)
	projectionWorkerChan := make(chan projection.Output, cfg.Persistence.ProjectionChanSize)
	var publishChan chan ingestion.PublishableEvent
	if cfg.NATS.Enabled {
		publishChan = make(chan ingestion.PublishableEvent, cfg.Persistence.PublishChanSize)
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	startSequence := int64(0)
	if snap != nil {
		startSequence = snap.Sequence + 1
	}
	deterministicCore, err := core.NewDeterministicCore(core.CoreConfig{
		StartSequence:       startSequence,
		Escrow:              cfg.Core.Escrow,
		GovernanceToken:     cfg.Core.GovernanceToken,
		Governance:          cfg.Core.Governance,
		FeeConfig:           cfg.Core.FeeConfig,
		IdempotencyCapacity: cfg.Core.IdempotencyCapacity,
		GlobalCheckInterval: cfg.Core.GlobalCheckInterval,
	}, persistCoreChan, projectionCoreChan, dbChecker, metrics, logger.With().Str("sub", "core").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("create core")
	}

	if snap != nil {
		st, err := snap.State()
		if err != nil {
			logger.Fatal().Err(err).Int64("seq", snap.Sequence).Msg("decode snapshot")
		}
		if err := deterministicCore.RestoreFromSnapshot(st); err != nil {
			logger.Fatal().Err(err).Int64("seq", snap.Sequence).Msg("restore snapshot")
		}
		logger.Info().Int64("seq", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, cold start from sequence 0")
	}

	// --- Workers ---
	// Workers stop when their input closes, so they run on a context that is
	// never cancelled and drain everything the core produced.
	workerCtx := context.Background()
	errChan := make(chan error, 16)

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		b := &outputBridge{
			skipThrough:   persisted,
			persistOut:    persistWorkerChan,
			projectionOut: projectionWorkerChan,
			publishOut:    publishChan,
			metrics:       metrics,
			logger:        logger.With().Str("sub", "bridge").Logger(),
		}
		b.run(persistCoreChan, projectionCoreChan)
	}()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics,
		logger.With().Str("sub", "persist").Logger())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, logger.With().Str("sub", "projection").Logger())
	go func() {
		if err := projWorker.Run(workerCtx); err != nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// --- Replay ---
	dbChecker.SetReplaying(true)
	replayed, err := replayEventsFromLog(serveCtx, snapMgr, deterministicCore, startSequence, logger)
	dbChecker.SetReplaying(false)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay failed")
	}
	logger.Info().Int64("events", replayed).Int64("next_seq", deterministicCore.GetSequence()).Msg("replay complete")

	// Keys of events after the snapshot are only in the log.
	if replayed > 0 {
		keys, err := snapMgr.RecentIdempotencyKeys(serveCtx, cfg.Core.IdempotencyCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("warm idempotency cache")
		} else {
			deterministicCore.WarmLRU(keys)
		}
	}

	// --- NATS ---
	var (
		nc             *nats.Conn
		natsSubscriber *ingestion.NATSSubscriber
	)
	submissions := make(chan ingestion.Submission, 4096)
	if cfg.NATS.Enabled {
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger.With().Str("sub", "nats").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		nc = conn
		if err := ingestion.EnsureStreams(serveCtx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure command stream")
		}
		if err := ingestion.EnsureOutboundStream(serveCtx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure event stream")
		}

		rawChan := make(chan ingestion.RawEvent, 4096)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("sub", "nats").Logger())
		if err := natsSubscriber.Subscribe(serveCtx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		shell := ingestion.NewShell(ingestion.DefaultSubjects(), metrics, logger.With().Str("sub", "shell").Logger())
		go shell.Run(serveCtx, rawChan, submissions)

		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("sub", "publish").Logger())
		go func() {
			if err := publisher.Run(workerCtx); err != nil {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()
	} else {
		logger.Warn().Msg("NATS disabled, commands arrive through the admin API only")
	}

	// --- Sequencer ---
	reads := make(chan func())
	sequencer := ingestion.NewSequencer(deterministicCore, submissions, reads, metrics, logger.With().Str("sub", "sequencer").Logger())
	sequencerDone := make(chan struct{})
	go func() {
		defer close(sequencerDone)
		if err := sequencer.Run(coreCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("sequencer: %w", err)
		}
	}()

	reader := query.NewCoreReader(deterministicCore, reads)
	lastSnapshot := int64(-1)
	if snap != nil {
		lastSnapshot = snap.Sequence
	}
	snapshotter := persistence.NewSnapshotter(snapMgr, reader.SnapshotState, reader.Sequence,
		cfg.Persistence.SnapshotInterval, cfg.Persistence.SnapshotCheck, lastSnapshot,
		metrics, logger.With().Str("sub", "snapshot").Logger())
	go snapshotter.Run(serveCtx)

	// --- Servers ---
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		QueryService:  query.NewQueryService(db),
		CoreReader:    reader,
		IngestService: ingestion.NewGRPCIngestService(submissions),
		LastPersisted: snapMgr.GetLatestSequence,
		Snapshot:      snapshotter.Take,
		SubmitTimeout: submitTimeout,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("sub", "server").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}
	go func() {
		if err := grpcServer.StartGRPC(serveCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTP(serveCtx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := serveMetrics(serveCtx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_seq", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("KeepTrade ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the sequencer finish, then close the core's outputs
	// so every worker drains before the final snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	stopServing()
	stopCore()
	<-sequencerDone

	close(persistCoreChan)
	close(projectionCoreChan)
	<-bridgeDone
	<-persistDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := finalSnapshot(shutdownCtx, snapMgr, deterministicCore); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if seq >= 0 {
		logger.Info().Int64("seq", seq).Msg("final snapshot saved")
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn().Err(err).Msg("nats drain")
		}
	}
	logger.Info().Msg("KeepTrade shutdown complete")
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// outputBridge fans core outputs out to the workers. Outputs at or below
// skipThrough are already in the event log (they come from replay) and are
// neither persisted nor published again; journal ids are fresh on every
// run, so re-persisting them would duplicate transfers.
type outputBridge struct {
	skipThrough   int64
	persistOut    chan<- persistence.Output
	projectionOut chan<- projection.Output
	publishOut    chan<- ingestion.PublishableEvent
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// run drains both inputs until both are closed, then closes the outputs.
func (b *outputBridge) run(persistIn, projectionIn <-chan core.CoreOutput) {
	defer func() {
		close(b.persistOut)
		close(b.projectionOut)
		if b.publishOut != nil {
			close(b.publishOut)
		}
	}()

	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			b.persist(out)
			if b.metrics != nil {
				b.metrics.SetChannelMetrics("persist", len(persistIn), cap(persistIn))
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			// the projection worker skips what its watermark already covers
			select {
			case b.projectionOut <- projection.NewOutput(out.Envelope, out.Batch):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

func (b *outputBridge) persist(out core.CoreOutput) {
	env := out.Envelope
	if env.Sequence <= b.skipThrough {
		return
	}

	row, err := persistence.NewOutput(env, out.Batch)
	if err != nil {
		b.logger.Error().Err(err).Int64("seq", env.Sequence).Msg("encode event row, not persisted")
	} else {
		if b.metrics != nil && len(b.persistOut) == cap(b.persistOut) {
			b.metrics.PersistBackpressure.Inc()
		}
		b.persistOut <- row
	}

	if b.publishOut == nil {
		return
	}
	events, err := ingestion.NewPublishableEvents(env)
	if err != nil {
		b.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("encode outbound events")
		return
	}
	for _, pe := range events {
		select {
		case b.publishOut <- pe:
		default:
			if b.metrics != nil {
				b.metrics.PublishDrops.Inc()
			}
		}
	}
}

// replayEventsFromLog re-applies every stored command from fromSequence to
// the head of the log. Each command must land on its stored sequence with
// its stored state hash; anything else means the log and the code disagree.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			if want := deterministicCore.GetSequence(); row.Sequence != want {
				return replayed, fmt.Errorf("event log gap: expected seq %d, found %d", want, row.Sequence)
			}
			et := event.ParseEventType(row.EventType)
			evt, err := event.DecodePayload(et, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			if err := deterministicCore.ProcessEvent(evt); err != nil {
				return replayed, fmt.Errorf("replay seq %d: %w", row.Sequence, err)
			}
			if deterministicCore.GetSequence() != row.Sequence+1 {
				return replayed, fmt.Errorf("replay seq %d: command was not sequenced", row.Sequence)
			}
			if got := deterministicCore.GetStateHash(); !bytes.Equal(got[:], row.StateHash) {
				return replayed, fmt.Errorf("replay seq %d: state hash %x, log has %x", row.Sequence, got, row.StateHash)
			}
			replayed++
		}

		last := rows[len(rows)-1].Sequence
		logger.Debug().Int64("through", last).Msg("replayed page")
		fromSequence = last + 1
	}
}

// finalSnapshot saves and verifies a snapshot of the stopped core. Every
// output has been flushed by now, so the event it covers is durable.
func finalSnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, deterministicCore *core.DeterministicCore) (int64, error) {
	st := deterministicCore.CreateSnapshotState()
	if st.Sequence < 0 {
		return -1, nil
	}
	if _, err := snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(st, time.Now().UTC())); err != nil {
		return -1, err
	}
	ok, err := snapMgr.MarkVerified(ctx, st.Sequence)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, fmt.Errorf("snapshot at seq %d does not match the event log", st.Sequence)
	}
	return st.Sequence, nil
}
