// Package app wires the application settings, the dispatcher and the modules
// of a setup file into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/internal/ids"
	"github.com/glimte/halcore/internal/logging"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	"github.com/glimte/halcore/modules/console"
	"github.com/glimte/halcore/modules/remote"
	"github.com/glimte/halcore/modules/scripted"
	"github.com/glimte/halcore/modules/settings"
	"github.com/glimte/halcore/modules/stage"
	"github.com/glimte/halcore/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsShutdownTimeout = 5 * time.Second

// Option configures an App.
type Option func(*App)

// WithLogger replaces the logger built from the settings.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithOutput sets where terminal modules write. Defaults to standard output.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

// WithFactories replaces the built-in module factories.
func WithFactories(reg *modules.Registry) Option {
	return func(a *App) {
		a.factories = reg
	}
}

// WithPrometheusRegistry sets the registry dispatcher metrics are registered with.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.prom = reg
	}
}

// App runs one setup until its bus halts.
type App struct {
	cfg       *config.AppConfig
	session   string
	logger    *slog.Logger
	out       io.Writer
	factories *modules.Registry
	prom      *prometheus.Registry
	bootstrap func(modules.Bus, *schema.Registry, modules.BootstrapOptions) error
}

// New creates an app from validated settings.
func New(cfg *config.AppConfig, options ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:       cfg,
		session:   ids.NewString(),
		out:       os.Stdout,
		bootstrap: modules.Bootstrap,
	}
	for _, opt := range options {
		opt(a)
	}

	if a.logger == nil {
		a.logger = logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	}
	a.logger = a.logger.With("session", a.session)
	if a.factories == nil {
		a.factories = DefaultFactories(a.out)
	}
	if a.prom == nil {
		a.prom = prometheus.NewRegistry()
		a.prom.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return a, nil
}

// DefaultFactories returns a registry with every built-in module factory.
func DefaultFactories(out io.Writer) *modules.Registry {
	reg := modules.NewRegistry()
	reg.Register(settings.FactoryName, settings.Factory())
	reg.Register(stage.FactoryName, stage.Factory())
	reg.Register("console", console.Factory(out))
	reg.Register(remote.FactoryName, remote.Factory())
	reg.Register(scripted.FactoryName, scripted.Factory())
	return reg
}

// Session returns the identifier attached to every log record of the run.
func (a *App) Session() string { return a.session }

// Factories returns the module factories the app loads setups with.
func (a *App) Factories() *modules.Registry { return a.factories }

// MetricsHandler serves the app's metrics in the Prometheus exposition format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{Registry: a.prom})
}

// Run loads the configured setup file and runs it.
func (a *App) Run(ctx context.Context) error {
	setup, err := config.LoadSetupFile(a.cfg.SetupFile)
	if err != nil {
		return err
	}
	return a.RunSetup(ctx, setup)
}

// RunSetup builds the modules of setup, starts the bus and performs the
// startup handshake. It blocks until a module requests shutdown or ctx is
// cancelled, and returns once every module has been torn down.
func (a *App) RunSetup(ctx context.Context, setup *config.Setup) error {
	logger := a.logger.With("setup", setup.Name)

	reg := schema.NewRegistry()
	if err := messaging.RegisterCoreMessages(reg); err != nil {
		return err
	}
	metrics, err := messaging.NewMetrics(a.prom)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	d := messaging.NewDispatcher(
		messaging.WithLogger(logger),
		messaging.WithRegistry(reg),
		messaging.WithMetrics(metrics),
		messaging.WithSyncBackoff(a.cfg.SyncBackoff),
		messaging.WithSweepInterval(a.cfg.SweepInterval),
		messaging.WithStuckTimeout(a.cfg.StuckTimeout),
	)

	mods, err := modules.Load(ctx, a.factories, setup, modules.Env{
		Registry: reg,
		Send:     d.Enqueue,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := d.SetModules(mods...); err != nil {
		for i := len(mods) - 1; i >= 0; i-- {
			mods[i].Teardown()
		}
		return err
	}
	logger.Info("modules loaded", "modules", setup.Names())

	if a.cfg.MetricsAddr != "" {
		stop := a.serveMetrics(logger)
		defer stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := d.Start(runCtx); err != nil {
		return err
	}
	startedAt := time.Now()
	if err := a.bootstrap(d, reg, modules.BootstrapOptions{
		ShowGUI: a.cfg.ShowGUI,
		Logger:  logger,
	}); err != nil {
		cancel()
		<-d.Done()
		return fmt.Errorf("failed to start handshake: %w", err)
	}

	<-d.Done()

	stats := d.Stats()
	logger.Info("bus halted",
		"uptime", time.Since(startedAt).Round(time.Millisecond),
		"delivered", stats.Delivered,
		"completed", stats.Completed,
		"stuck", stats.Stuck,
		"interrupted", ctx.Err() != nil,
	)
	return nil
}

func (a *App) serveMetrics(logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server did not shut down cleanly", "error", err)
		}
	}
}
