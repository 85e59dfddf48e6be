package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"crashgenius/internal/analysis"
	"crashgenius/internal/api"
	"crashgenius/internal/auth"
	"crashgenius/internal/certify"
	"crashgenius/internal/config"
	"crashgenius/internal/mcp"
	"crashgenius/internal/observability"
	"crashgenius/internal/queue"
	"crashgenius/internal/ratelimit"
	"crashgenius/internal/store"
)

type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Store    *store.Store
	Queue    *queue.Queue
	Analysis *analysis.Service
	API      *api.Handler
	MCP      *mcp.Server
}

// New wires the service. Postgres and Redis are optional: without them report history
// and certification are disabled.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	a := &App{Config: cfg, Logger: logger, Registry: reg, Metrics: metrics}

	var saver analysis.ReportSaver
	if cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, st.DB()); err != nil {
			_ = st.Close()
			return nil, err
		}
		a.Store = st
		saver = st
	} else {
		logger.Warn("database.dsn not set, report history disabled")
	}

	if cfg.Redis.URL != "" {
		q, err := queue.New(cfg.Redis.URL, cfg.Redis.Queue)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		logger.Warn("redis.url not set, certification disabled")
	}

	a.Analysis = analysis.NewService(analysis.SettingsFromConfig(cfg), saver, metrics, logger)

	authSvc := auth.NewService(cfg)
	limiter := ratelimit.New()
	limits := observability.NewLimitObserver(logger, metrics)

	a.MCP = mcp.NewServer(cfg, a.Analysis, nil, logger.Named("mcp"))
	a.MCP.Auth = authSvc
	a.MCP.Limiter = limiter
	a.MCP.Limits = limits

	h := &api.Handler{
		Config:   cfg,
		Analysis: a.Analysis,
		Auth:     authSvc,
		Limiter:  limiter,
		Limits:   limits,
		Sessions: api.NewSessionRegistry(cfg.Sessions.Max, cfg.Sessions.IdleTTL),
		MCP:      a.MCP,
		Gatherer: reg,
		Logger:   logger,
	}
	if a.Store != nil {
		h.Reports = a.Store
		a.MCP.Reports = a.Store
		h.Ready = append(h.Ready, a.Store)
	}
	if a.Queue != nil {
		h.Queue = a.Queue
		h.Ready = append(h.Ready, a.Queue)
	}
	a.API = h
	return a, nil
}

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.API.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go a.API.RunJanitor(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.Logger.Info("crashgeniusd serving", zap.String("addr", a.Config.HTTP.Addr), zap.String("default_provider", a.Config.LLM.DefaultProvider))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunMCP serves the MCP tool surface on stdin/stdout until input ends or ctx is cancelled.
func (a *App) RunMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcp.RunStdio(ctx, a.MCP, in, out)
}

// RunWorker processes certification jobs until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Store == nil || a.Queue == nil {
		return errors.New("worker requires database.dsn and redis.url")
	}
	w := certify.NewWorker(a.Queue, a.Store, a.Metrics, a.Logger)
	err := w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
