package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leadsignal/harvester/internal/agent"
	"github.com/leadsignal/harvester/internal/api"
	"github.com/leadsignal/harvester/internal/archive"
	"github.com/leadsignal/harvester/internal/checkpoint"
	checkpointmem "github.com/leadsignal/harvester/internal/checkpoint/memory"
	checkpointpg "github.com/leadsignal/harvester/internal/checkpoint/postgres"
	checkpointsqlite "github.com/leadsignal/harvester/internal/checkpoint/sqlite"
	clocksystem "github.com/leadsignal/harvester/internal/clock/system"
	"github.com/leadsignal/harvester/internal/config"
	"github.com/leadsignal/harvester/internal/creds"
	"github.com/leadsignal/harvester/internal/dedup"
	"github.com/leadsignal/harvester/internal/fetch"
	"github.com/leadsignal/harvester/internal/fetch/browser"
	"github.com/leadsignal/harvester/internal/fetch/probe"
	"github.com/leadsignal/harvester/internal/harvest"
	"github.com/leadsignal/harvester/internal/logging"
	profilemem "github.com/leadsignal/harvester/internal/profile/memory"
	profilepg "github.com/leadsignal/harvester/internal/profile/postgres"
	profilesqlite "github.com/leadsignal/harvester/internal/profile/sqlite"
	"github.com/leadsignal/harvester/internal/publish"
	queuemem "github.com/leadsignal/harvester/internal/queue/memory"
	"github.com/leadsignal/harvester/internal/report"
	"github.com/leadsignal/harvester/internal/report/sinks"
	"github.com/leadsignal/harvester/internal/source"
)

type runFlags struct {
	targetFile      string
	credentialsFile string
	workers         int
	minDelaySec     int
	maxDelaySec     int
	watch           bool
	probeFirst      bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a harvest run",
		Long: `Loads the target list, binds one agent per credential identity, and
harvests until every target is processed or the process is interrupted.
Progress is checkpointed continuously; a rerun resumes where this one stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.targetFile, "target-file", "", "CSV or newline target list (overrides config)")
	cmd.Flags().StringVar(&flags.credentialsFile, "credentials-file", "", "TOML credential file (overrides config)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of concurrent agents (overrides config)")
	cmd.Flags().IntVar(&flags.minDelaySec, "min-delay", 0, "minimum post-fetch delay in seconds (overrides config)")
	cmd.Flags().IntVar(&flags.maxDelaySec, "max-delay", 0, "maximum post-fetch delay in seconds (overrides config)")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "keep watching the target file for additions")
	cmd.Flags().BoolVar(&flags.probeFirst, "probe", false, "probe target reachability before enqueueing")

	return cmd
}

func applyFlags(cfg *config.Config, flags runFlags) {
	if flags.targetFile != "" {
		cfg.Harvest.TargetFile = flags.targetFile
	}
	if flags.credentialsFile != "" {
		cfg.Harvest.CredentialsFile = flags.credentialsFile
	}
	if flags.workers > 0 {
		cfg.Harvest.Workers = flags.workers
	}
	if flags.minDelaySec > 0 {
		cfg.Pacing.MinDelaySec = flags.minDelaySec
	}
	if flags.maxDelaySec > 0 {
		cfg.Pacing.MaxDelaySec = flags.maxDelaySec
	}
	if flags.watch {
		cfg.Harvest.WatchTargetFile = true
	}
	if flags.probeFirst {
		cfg.Harvest.ProbeTargets = true
	}
}

func runHarvest(cmd *cobra.Command, flags runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(&cfg, flags)
	if cfg.Harvest.TargetFile == "" {
		return fmt.Errorf("a target file is required (--target-file or harvest.target_file)")
	}
	if cfg.Harvest.CredentialsFile == "" {
		return fmt.Errorf("a credentials file is required (--credentials-file or harvest.credentials_file)")
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	identities, proxies, err := creds.Load(cfg.Harvest.CredentialsFile)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	cps, profiles, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	queue := queuemem.NewQueue(cfg.Harvest.QueueDepth, cps.IsProcessed)

	hub, err := buildHub(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("close progress hub", zap.Error(err))
		}
	}()

	runID := report.NewRunID()
	tracker := report.NewTracker(runID, hub, logger, cfg.SnapshotInterval(), queue.Size)
	tracker.Start()
	defer tracker.Stop()

	blobs, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	clk := clocksystem.New()
	factory := func(agentID string) harvest.Fetcher {
		var f harvest.Fetcher = browser.New(browser.Config{
			BaseURL:    cfg.Browser.BaseURL,
			UserAgent:  cfg.Browser.UserAgent,
			Headless:   cfg.Browser.Headless,
			SessionDir: cfg.Browser.SessionDir,
			NavTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		}, nil, logger.Named(agentID))
		if blobs != nil {
			f = fetch.NewArchivingFetcher(f, blobs, cfg.Archive.Prefix, logger.Named(agentID))
		}
		return f
	}

	pool, err := agent.NewPool(agent.PoolConfig{
		Workers:         cfg.Harvest.Workers,
		Identities:      identities,
		Proxies:         proxies,
		Policy:          cfg.Policy(),
		FetchTimeout:    cfg.FetchTimeout(),
		MaxAuthAttempts: cfg.Pacing.MaxAuthAttempts,
		RunID:           runID,
	}, agent.Deps{
		Queue:       queue,
		Checkpoints: cps,
		Profiles:    profiles,
		Engine:      dedup.NewEngine(clk),
		Clock:       clk,
		Emitter:     hub,
		Tracker:     tracker,
		Logger:      logger,
	}, factory)
	if err != nil {
		return err
	}

	seeded, err := seedQueue(ctx, cfg, queue, logger)
	if err != nil {
		return err
	}
	logger.Info("harvest run starting",
		zap.String("run_id", tracker.RunID()),
		zap.Int("targets", len(seeded)),
		zap.Int("agents", len(pool.Agents())))
	hub.Emit(report.Event{RunID: runID, TS: time.Now().UTC(), Stage: report.StageRunStart})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(pool, tracker, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	if cfg.Harvest.WatchTargetFile {
		g.Go(func() error {
			err := source.NewWatcher(cfg.Harvest.TargetFile, queue, logger).Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		g.Go(func() error {
			return watchDrain(gctx, cps, queue, seeded, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		queue.Close()
		return nil
	})

	err = g.Wait()
	hub.Emit(report.Event{RunID: runID, TS: time.Now().UTC(), Stage: report.StageRunDone, Snapshot: tracker.Snapshot()})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("harvest run finished", zap.String("run_id", tracker.RunID()))
	return nil
}

// watchDrain closes the queue once every seeded target is marked processed,
// which lets one-shot runs exit on their own.
func watchDrain(ctx context.Context, cps checkpoint.Store, queue *queuemem.Queue, seeded []string, logger *zap.Logger) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done := true
			for _, id := range seeded {
				processed, err := cps.IsProcessed(ctx, id)
				if err != nil {
					logger.Warn("drain check", zap.Error(err))
					done = false
					break
				}
				if !processed {
					done = false
					break
				}
			}
			if done {
				logger.Info("all targets processed, draining")
				queue.Close()
				return nil
			}
		}
	}
}

func seedQueue(ctx context.Context, cfg config.Config, queue *queuemem.Queue, logger *zap.Logger) ([]string, error) {
	targets, err := source.Load(cfg.Harvest.TargetFile)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	var prober *probe.Prober
	if cfg.Harvest.ProbeTargets {
		prober, err = probe.New(probe.Config{UserAgent: cfg.Browser.UserAgent}, logger)
		if err != nil {
			return nil, fmt.Errorf("build prober: %w", err)
		}
	}

	seeded := make([]string, 0, len(targets))
	for _, target := range targets {
		if prober != nil {
			res, err := prober.Check(ctx, target.TargetID)
			if err != nil || !res.Reachable {
				logger.Warn("skipping unreachable target",
					zap.String("target_id", target.TargetID),
					zap.Error(err))
				continue
			}
		}
		if err := queue.Enqueue(ctx, target); err != nil {
			return nil, fmt.Errorf("enqueue target: %w", err)
		}
		seeded = append(seeded, target.TargetID)
	}
	return seeded, nil
}

func buildStores(ctx context.Context, cfg config.Config) (checkpoint.Store, harvest.ProfileStore, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return checkpointmem.NewStore(), profilemem.NewStore(), func() {}, nil
	case "sqlite":
		cps, err := checkpointsqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		profiles, err := profilesqlite.Open(ctx, profileDBPath(cfg.Storage.SQLitePath))
		if err != nil {
			cps.Close()
			return nil, nil, nil, err
		}
		return cps, profiles, func() {
			profiles.Close()
			cps.Close()
		}, nil
	case "postgres":
		cps, err := checkpointpg.NewStore(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		profiles, err := profilepg.NewStore(ctx, cfg.DB.DSN)
		if err != nil {
			cps.Close()
			return nil, nil, nil, err
		}
		return cps, profiles, func() {
			profiles.Close()
			cps.Close()
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// profileDBPath keeps checkpoints and profiles in separate files so each
// handle can hold its single write connection without contending.
func profileDBPath(checkpointPath string) string {
	if strings.HasSuffix(checkpointPath, ".db") {
		return strings.TrimSuffix(checkpointPath, ".db") + "-profiles.db"
	}
	return checkpointPath + "-profiles"
}

func buildHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*report.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	sinkList := []report.Sink{sinks.NewLogSink(logger), promSink}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		publisher, err := publish.NewPubSubPublisher(client)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName))
	}

	return report.NewHub(report.Config{Logger: logger}, sinkList...), nil
}

func buildArchive(ctx context.Context, cfg config.Config) (harvest.BlobStore, error) {
	switch cfg.Archive.Backend {
	case "none", "":
		return nil, nil
	case "local":
		dir := cfg.Archive.LocalDir
		if dir == "" {
			dir = "archive"
		}
		return archive.NewLocalStore(dir)
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return archive.NewGCSStore(client, cfg.Archive.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}
