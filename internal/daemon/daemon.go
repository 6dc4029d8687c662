// Package daemon wires the ledger, the job orchestrator and both network APIs into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/gemini"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/imagen"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/inflight"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/restclient"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/simulated"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/veo"
	"github.com/MarkoPoloResearchLab/creditgen/internal/artifacts"
	"github.com/MarkoPoloResearchLab/creditgen/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditgen/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgen/internal/locking"
	"github.com/MarkoPoloResearchLab/creditgen/internal/logging"
	"github.com/MarkoPoloResearchLab/creditgen/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditgen/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/identity"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const readHeaderTimeout = 10 * time.Second

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg          Config
	logger       *zap.Logger
	recorder     *metrics.Recorder
	ledger       *ledger.Service
	orchestrator *jobs.Orchestrator
	router       *gin.Engine
	grpcServer   *grpc.Server
	scheduler    *cron.Cron
	trackers     []*inflight.Tracker
	closers      []func() error
}

// New validates cfg and builds the daemon. Nothing listens until Run.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (daemon *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	daemon = &Daemon{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			_ = daemon.Close()
			daemon = nil
		}
	}()

	database, closeDatabase, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	daemon.closers = append(daemon.closers, closeDatabase)
	logger.Info("database ready", zap.String("driver", driver))

	ledgerOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(logging.NewLedgerLogger(logger)),
		ledger.WithOperationLogger(daemon.recorder),
		ledger.WithTrialCredits(cfg.TrialCredits),
	}
	if cfg.RedisURL != "" {
		redisClient, err := locking.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		daemon.closers = append(daemon.closers, redisClient.Close)
		locker, err := locking.NewRedisLocker(redisClient)
		if err != nil {
			return nil, err
		}
		ledgerOptions = append(ledgerOptions, ledger.WithDistributedLocker(locker))
	}
	daemon.ledger, err = ledger.NewService(gormstore.New(database), func() int64 { return time.Now().UTC().Unix() }, ledgerOptions...)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}

	artifactStore, err := daemon.openArtifactStore(ctx)
	if err != nil {
		return nil, err
	}
	adapters, err := daemon.buildAdapters()
	if err != nil {
		return nil, err
	}
	daemon.orchestrator, err = jobs.NewOrchestrator(
		gormstore.NewJobStore(database),
		daemon.ledger,
		artifactStore,
		adapters,
		jobs.Config{
			Costs:             cfg.Costs,
			Deadlines:         cfg.Deadlines,
			PollInterval:      cfg.PollInterval,
			MaxJobsPerAccount: cfg.MaxJobsPerAccount,
			MaxJobsTotal:      cfg.MaxJobsTotal,
			Retention:         cfg.JobRetention,
			LeaseTTL:          cfg.JobLeaseTTL,
		},
		jobs.WithEventLogger(logging.NewJobLogger(logger)),
		jobs.WithEventLogger(daemon.recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init: %w", err)
	}
	daemon.recorder.TrackRunningJobs(daemon.orchestrator.Running)

	verifier, err := identity.NewVerifier(cfg.BotToken, identity.WithMaxAge(cfg.InitDataMaxAge))
	if err != nil {
		return nil, err
	}
	sessions, err := identity.NewSessionIssuer(cfg.SessionSigningKey, cfg.SessionIssuer, cfg.SessionTTL, time.Now)
	if err != nil {
		return nil, err
	}
	daemon.router, err = httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		RatePerSecond:  cfg.RatePerSecond,
		RateBurst:      cfg.RateBurst,
	}, httpapi.Dependencies{
		Verifier:       verifier,
		Sessions:       sessions,
		Ledger:         daemon.ledger,
		Jobs:           daemon.orchestrator,
		Logger:         logger,
		Middleware:     []gin.HandlerFunc{daemon.recorder.GinMiddleware()},
		MetricsHandler: daemon.recorder.Handler(),
	})
	if err != nil {
		return nil, err
	}

	admin, err := grpcserver.NewAdminServiceServer(daemon.ledger, daemon.orchestrator)
	if err != nil {
		return nil, err
	}
	daemon.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcserver.AdminTokenInterceptor(cfg.AdminToken)))
	grpcserver.RegisterAdminService(daemon.grpcServer, admin)

	cronLogger := logging.NewCronLogger(logger)
	daemon.scheduler = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := daemon.scheduler.AddFunc(cfg.PurgeSchedule, daemon.purgeExpired); err != nil {
		return nil, fmt.Errorf("purge schedule: %w", err)
	}
	return daemon, nil
}

// Handler exposes the HTTP router.
func (daemon *Daemon) Handler() http.Handler {
	return daemon.router
}

// Orchestrator exposes the job orchestrator.
func (daemon *Daemon) Orchestrator() *jobs.Orchestrator {
	return daemon.orchestrator
}

// Ledger exposes the ledger service.
func (daemon *Daemon) Ledger() *ledger.Service {
	return daemon.ledger
}

// Run recovers interrupted jobs, starts the janitor and serves HTTP and gRPC until ctx ends.
// On the way out it stops both listeners and waits for running jobs to settle.
func (daemon *Daemon) Run(ctx context.Context) error {
	recovered, err := daemon.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if recovered > 0 {
		daemon.logger.Info("recovered jobs", zap.Int("count", recovered))
	}

	httpListener, err := net.Listen("tcp", daemon.cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	grpcListener, err := net.Listen("tcp", daemon.cfg.GRPCListenAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpServer := &http.Server{Handler: daemon.router, ReadHeaderTimeout: readHeaderTimeout}

	daemon.scheduler.Start()
	defer func() { <-daemon.scheduler.Stop().Done() }()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		daemon.logger.Info("HTTP server starting", zap.String("listen_addr", httpListener.Addr().String()))
		if serveErr := httpServer.Serve(httpListener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		daemon.logger.Info("gRPC server starting", zap.String("listen_addr", grpcListener.Addr().String()))
		if serveErr := daemon.grpcServer.Serve(grpcListener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		daemon.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), daemon.cfg.ShutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		daemon.stopGRPC(shutdownCtx)
		if err := daemon.orchestrator.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		return shutdownErr
	})
	return group.Wait()
}

// Close releases the backend trackers, artifact store, redis and database handles.
func (daemon *Daemon) Close() error {
	for _, tracker := range daemon.trackers {
		tracker.Close()
	}
	daemon.trackers = nil
	var closeErr error
	for index := len(daemon.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, daemon.closers[index]())
	}
	daemon.closers = nil
	return closeErr
}

func (daemon *Daemon) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		daemon.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		daemon.grpcServer.Stop()
	}
}

func (daemon *Daemon) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	purged, err := daemon.orchestrator.PurgeExpired(ctx)
	if err != nil {
		daemon.logger.Error("purge expired jobs failed", zap.Error(err))
		return
	}
	if purged > 0 {
		daemon.logger.Info("purged expired jobs", zap.Int("count", purged))
	}
}

func (daemon *Daemon) openArtifactStore(ctx context.Context) (jobs.ArtifactStore, error) {
	if daemon.cfg.GCSBucket == "" {
		store, err := artifacts.NewFileStore(daemon.cfg.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		return store, nil
	}
	store, err := artifacts.NewGCSStore(ctx, daemon.cfg.GCSBucket, daemon.cfg.GCSPrefix)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	daemon.closers = append(daemon.closers, store.Close)
	if err := store.CheckBucket(ctx); err != nil {
		return nil, fmt.Errorf("artifact bucket: %w", err)
	}
	return store, nil
}

func (daemon *Daemon) buildAdapters() (map[jobs.Kind]jobs.Adapter, error) {
	cfg := daemon.cfg
	if cfg.Backend == BackendSimulated {
		daemon.logger.Warn("using the simulated generation backend")
		return map[jobs.Kind]jobs.Adapter{
			jobs.KindText:  simulated.New(jobs.KindText, cfg.SimulatedLatency),
			jobs.KindImage: simulated.New(jobs.KindImage, cfg.SimulatedLatency),
			jobs.KindVideo: simulated.New(jobs.KindVideo, cfg.SimulatedLatency),
		}, nil
	}

	client, err := restclient.New(cfg.GeminiBaseURL, cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	textGenerator, err := gemini.NewGenerator(client, cfg.TextModel)
	if err != nil {
		return nil, err
	}
	imageGenerator, err := imagen.NewGenerator(client, cfg.ImageModel)
	if err != nil {
		return nil, err
	}
	videoAdapter, err := veo.NewAdapter(client, cfg.VideoModel)
	if err != nil {
		return nil, err
	}
	textTracker := inflight.New("text", textGenerator,
		inflight.WithMaxConcurrent(cfg.MaxBackendCalls),
		inflight.WithCallTimeout(cfg.Deadlines[jobs.KindText]),
	)
	imageTracker := inflight.New("image", imageGenerator,
		inflight.WithMaxConcurrent(cfg.MaxBackendCalls),
		inflight.WithCallTimeout(cfg.Deadlines[jobs.KindImage]),
	)
	daemon.trackers = append(daemon.trackers, textTracker, imageTracker)
	return map[jobs.Kind]jobs.Adapter{
		jobs.KindText:  textTracker,
		jobs.KindImage: imageTracker,
		jobs.KindVideo: videoAdapter,
	}, nil
}

// Run builds a logger and a daemon from cfg and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	daemon, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := daemon.Close(); closeErr != nil {
			logger.Warn("close failed", zap.Error(closeErr))
		}
	}()
	return daemon.Run(ctx)
}
