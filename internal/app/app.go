package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/config"
	"nem-price-alerts/internal/fetcher"
	"nem-price-alerts/internal/metrics"
	"nem-price-alerts/internal/notifier"
	"nem-price-alerts/internal/service"
	"nem-price-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() *fetcher.Nemweb {
	return fetcher.NewNemweb(fetcher.NemwebOptions{
		DispatchURL:    a.Config.Feed.DispatchURL,
		PredispatchURL: a.Config.Feed.PredispatchURL,
		Timeout:        a.Config.Feed.RequestTimeout,
		UserAgent:      a.Config.Feed.UserAgent,
	}, a.Logger)
}

func (a *App) newMessenger() notifier.Messenger {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return notifier.NewTelegramMessenger(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	}
	return nil
}

func (a *App) newNotifier(store *storage.Store, messenger notifier.Messenger, m *metrics.Metrics) *notifier.Notifier {
	return notifier.New(store, messenger, notifier.Options{
		HourlyCap:    a.Config.Notifier.HourlyCap,
		SendSpacing:  a.Config.Notifier.SendSpacing,
		SendRetries:  a.Config.Notifier.SendRetries,
		RetryBackoff: a.Config.Notifier.RetryBackoff,
	}, m, a.Logger)
}

func (a *App) newAnalyzer(store *storage.Store, m *metrics.Metrics) *analyzer.Analyzer {
	return analyzer.New(store, analyzer.Options{
		SpikeDelta:          decimal.NewFromFloat(a.Config.Analyzer.SpikeDelta),
		ForecastHorizon:     a.Config.Analyzer.ForecastHorizon,
		DedupWindow:         a.Config.Analyzer.DedupWindow,
		ForecastDedupWindow: a.Config.Analyzer.ForecastDedupWindow,
		AllClearDedupWindow: a.Config.Analyzer.AllClearDedupWindow,
	}, m, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		m = metrics.New(registry)
		go a.serveMetrics(ctx, registry)
	}

	messenger := a.newMessenger()
	if messenger == nil {
		a.Logger.Warn().Msg("telegram disabled; alerts will be evaluated but not delivered")
	}

	ntf := a.newNotifier(store, messenger, m)
	var reporter *notifier.AdminReporter
	if messenger != nil && a.Config.Telegram.AdminChatID != 0 {
		reporter = notifier.NewAdminReporter(messenger, a.Config.Telegram.AdminChatID, a.Logger)
		ntf.WithReporter(reporter)
	}

	nemweb := a.newFetcher()
	svc := service.New(
		a.Config,
		nemweb,
		nemweb,
		store,
		a.newAnalyzer(store, m),
		ntf,
		m,
		a.Logger,
	)
	if reporter != nil {
		svc.WithReporter(reporter)
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: a.Config.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.Logger.Info().Str("addr", a.Config.Metrics.ListenAddr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error().Err(err).Msg("metrics endpoint failed")
	}
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Region    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Region string
	Limit  int
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	SubscriberID int64
	Region       string
	Price        float64
}

// PruneOptions configure the prune command.
type PruneOptions struct {
	DryRun bool
}
