package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"PulseML/internal/cache"
	"PulseML/internal/client"
	"PulseML/internal/config"
	"PulseML/internal/credentials"
	"PulseML/internal/gateway"
	"PulseML/internal/poller"
	"PulseML/internal/resources"
	"PulseML/internal/session"
	"PulseML/internal/telemetry"
)

// App wires the PulseML client stack together
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Meter     metric.Meter
	Tokens    *credentials.Store
	Gateway   *gateway.Gateway
	Client    *client.Client
	Cache     *cache.Cache
	Session   *session.Controller
	Resources *resources.Service
	Poller    *poller.Poller

	db         *credentials.SQLiteDurable
	logCloser  io.Closer
	telCleanup func() error
}

// NewApp initialises logging, telemetry and the credential database, then
// builds every component on top of them.
func NewApp(cfg config.Config) (*App, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, telCleanup, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := credentials.OpenSQLite(cfg.DBPath)
	if err != nil {
		telCleanup()
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Tracer:     tracer,
		Meter:      meter,
		db:         db,
		logCloser:  logCloser,
		telCleanup: telCleanup,
	}
	app.Tokens = credentials.NewStore(db)
	app.Gateway = gateway.New(cfg.APIBaseURL, app.Tokens,
		gateway.WithTimeout(cfg.HTTPTimeout),
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithTracer(tracer),
		gateway.WithMeter(meter),
	)
	app.Client = client.New(app.Gateway)
	app.Cache = cache.New(logger.With("component", "cache"))
	app.Session = session.New(app.Client, app.Tokens, app.Cache, app.Gateway, logger.With("component", "session"))
	app.Resources = resources.NewService(app.Client, app.Cache, logger.With("component", "resources"))
	app.Poller = poller.New(app.Resources,
		poller.WithInterval(cfg.PollInterval),
		poller.WithLogger(logger.With("component", "poller")),
		poller.WithMeter(meter),
	)

	logger.Info("pulseml client initialised", "api_base_url", cfg.APIBaseURL, "db_path", cfg.DBPath)
	return app, nil
}

// Close flushes telemetry and closes the database and log file. Every step
// runs; their errors are combined.
func (a *App) Close() error {
	var result error
	if err := a.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close credentials database: %w", err))
	}
	if err := a.telCleanup(); err != nil {
		result = multierror.Append(result, err)
	}
	a.Logger.Info("pulseml client shut down")
	if err := a.logCloser.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close log file: %w", err))
	}
	return result
}
