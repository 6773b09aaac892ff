package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"labyrinth/internal/api"
	"labyrinth/internal/auth"
	"labyrinth/internal/config"
	"labyrinth/internal/escalation"
	"labyrinth/internal/eventbus"
	"labyrinth/internal/health"
	"labyrinth/internal/monitor"
	"labyrinth/internal/pool"
	"labyrinth/internal/registry"
	"labyrinth/internal/routing"
	"labyrinth/internal/runtime"
	"labyrinth/internal/session"
	"labyrinth/internal/session/repo"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux

	pool       *pool.Manager
	registry   *registry.Registry
	publisher  *routing.Publisher
	reconciler *health.Reconciler
	reaper     *session.Reaper

	busCancel context.CancelFunc
	logger    *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	reg := registry.New(logger)

	rt := runtime.NewDockerRuntime(deps.Docker, runtime.DockerConfig{
		NetworkName: cfg.Pool.NetworkName,
		MemoryMB:    cfg.Pool.ContainerMem,
		CPULimit:    cfg.Pool.ContainerCPU,
	}, logger)

	enqueuer := pool.NewAsynqEnqueuer(deps.AsynqClient, cfg.Pool.ProvisionRetryMax, cfg.Pool.ProvisionTimeout)

	poolMgr := pool.NewManager(reg, rt, enqueuer, pool.Config{
		Tiers:              cfg.Pool.Tiers,
		ReconcileInterval:  cfg.Pool.ReconcileInterval,
		TerminationGrace:   cfg.Pool.TerminationGrace,
		DegradedAlertAfter: cfg.Pool.DegradedAlertAfter,
	}, logger)

	provisionWorker := pool.NewProvisionWorker(reg, rt, poolMgr, cfg.Pool.ProvisionTimeout, logger)

	publisher := routing.NewPublisher(cfg.Routing, logger)

	sessionRepo := repo.NewRepository(deps.PG, deps.Redis)

	scorer := escalation.NewHTTPScorer(cfg.Escalation.ScorerURL, cfg.Escalation.ScorerTimeout)
	engine := escalation.NewEngine(sessionRepo, poolMgr, scorer, publisher, cfg.Escalation, cfg.Session.TTL, logger)

	reconciler := health.NewReconciler(reg, rt, poolMgr, cfg.Health, logger)

	reaper := session.NewReaper(sessionRepo, engine.ReleaseSession, session.ReaperConfig{
		Interval: cfg.Session.SweepInterval,
	}, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(pool.TaskUnitProvision, provisionWorker.HandleProvision)

	router := api.NewRouter(api.Deps{
		Engine:   engine,
		Sessions: sessionRepo,
		Pool:     poolMgr,
		Routing:  publisher,
		Verifier: auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.MaxSkew),
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		pool:        poolMgr,
		registry:    reg,
		publisher:   publisher,
		reconciler:  reconciler,
		reaper:      reaper,
		logger:      logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	// The publisher and event forwarder each need their own registry
	// subscription; subscriptions are independent buffered channels.
	go s.publisher.WatchRegistry(s.registry.Subscribe())
	go s.publisher.Start()

	busCtx, busCancel := context.WithCancel(context.Background())
	s.busCancel = busCancel
	bus := eventbus.NewRedisBus(s.deps.Redis, s.logger)
	go eventbus.Forward(busCtx, bus, s.registry.Subscribe(), s.logger)

	s.pool.Start()
	go s.reconciler.Start(ctx)
	go s.reaper.Start()

	go func() {
		s.logger.Info("Starting provision worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Provision worker failed", "error", err)
		}
	}()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.reaper.Stop()
	s.reconciler.Stop()
	s.pool.Stop()
	if s.busCancel != nil {
		s.busCancel()
	}
	// Last, so the final map publish reflects the drained state.
	s.publisher.Stop()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
