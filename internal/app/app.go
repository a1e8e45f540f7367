// Package app wires all callscribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithLevelVar, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/api"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/ingest"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/internal/session"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/internal/transcript/archive"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      atomic.Pointer[config.Config]
	registry *config.Registry

	levelVar      *slog.LevelVar
	version       string
	traceExporter sdktrace.SpanExporter
	configPath    string
	pollInterval  time.Duration

	// ctx parents every upstream session. Cancelled last in Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	provider     realtime.Provider
	providerName string
	fallback     *resilience.RealtimeFallback

	metrics      *observe.Metrics
	promRegistry *prometheus.Registry
	otelShutdown func(context.Context) error

	router    *transcript.Router
	sessions  *session.Registry
	scheduler *session.Scheduler
	ingestor  *ingest.Ingestor

	store          *archive.Store
	sink           *archive.Sink
	unsubscribeAll func()

	api     *api.Server
	health  *health.Handler
	handler http.Handler
	server  *http.Server
	watcher *config.Watcher

	stopServing sync.Once
	stopOnce    sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithProvider dials p instead of building the provider chain from config.
func WithProvider(name string, p realtime.Provider) Option {
	return func(a *App) {
		a.provider = p
		a.providerName = name
	}
}

// WithLevelVar lets config reloads change the level of the caller's logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithVersion sets the service version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithTraceExporter exports spans through exp.
func WithTraceExporter(exp sdktrace.SpanExporter) Option {
	return func(a *App) { a.traceExporter = exp }
}

// WithConfigFile watches path while the app runs and applies hot-reloadable
// changes. A zero interval uses the watcher default.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.pollInterval = interval
	}
}

// New creates an App by wiring all subsystems together. The registry comes
// from main.go with the built-in providers registered.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{registry: registry}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.init(ctx, cfg); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	// 1. Telemetry.
	a.promRegistry = prometheus.NewRegistry()
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: a.version,
		TraceExporter:  a.traceExporter,
		Registry:       a.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}
	a.otelShutdown = shutdown
	if a.metrics, err = observe.NewMetrics(otel.GetMeterProvider()); err != nil {
		return fmt.Errorf("app: init metrics: %w", err)
	}

	// 2. Upstream provider chain.
	if a.provider == nil {
		if err := a.initProvider(cfg); err != nil {
			return fmt.Errorf("app: init provider: %w", err)
		}
	}

	// 3. Transcript delivery and archive.
	a.router = transcript.NewRouter()
	if cfg.Archive.PostgresDSN != "" {
		if err := a.initArchive(ctx); err != nil {
			return fmt.Errorf("app: init archive: %w", err)
		}
	}

	// 4. Sessions, scheduler and ingest.
	if err := a.initPipeline(cfg); err != nil {
		return fmt.Errorf("app: init pipeline: %w", err)
	}

	// 5. HTTP surface.
	a.initHTTP(cfg)

	// 6. Config watcher.
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.pollInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.pollInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.reload, wopts...)
		if err != nil {
			return fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// initProvider builds one provider per configured endpoint and puts them
// behind a shared [resilience.RealtimeFallback].
func (a *App) initProvider(cfg *config.Config) error {
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		},
	}
	for i, entry := range cfg.Provider.Endpoints() {
		p, err := a.registry.CreateProvider(entry)
		if err != nil {
			return fmt.Errorf("endpoint %d: %w", i, err)
		}
		label := endpointLabel(i, entry)
		if i == 0 {
			a.fallback = resilience.NewRealtimeFallback(p, label, fcfg)
			continue
		}
		a.fallback.AddFallback(label, p)
	}
	a.provider = a.fallback
	a.providerName = cfg.Provider.Name
	slog.Info("provider endpoints ready", "endpoints", a.fallback.Names())
	return nil
}

func endpointLabel(i int, e config.ProviderEntry) string {
	if i == 0 {
		return e.Name
	}
	return fmt.Sprintf("%s-fallback-%d", e.Name, i)
}

func (a *App) initArchive(ctx context.Context) error {
	store, err := archive.Open(ctx, a.cfg.Load().Archive.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.sink = archive.NewSink(archive.SinkConfig{Writer: store, Metrics: a.metrics})
	a.unsubscribeAll = a.router.SubscribeAll(a.sink)
	return nil
}

func (a *App) initPipeline(cfg *config.Config) error {
	newDecoder, err := a.registry.Codec(cfg.Audio.Codec)
	if err != nil {
		return err
	}

	pc := cfg.Pipeline
	a.sessions, err = session.NewRegistry(a.ctx, session.RegistryConfig{
		Provider:     a.provider,
		ProviderName: a.providerName,
		Params:       sessionParams(cfg.Provider),
		Reconnect: session.ReconnectConfig{
			MaxAttempts: pc.MaxReconnectAttempts,
			BaseDelay:   pc.ReconnectBaseDelay,
			MaxDelay:    pc.ReconnectMaxDelay,
		},
		Publisher:   a.router,
		NewDecoder:  newDecoder,
		Format:      audio.Format{SampleRate: cfg.Audio.TargetSampleRate, Channels: 1},
		MaxBufferMs: pc.MaxQueueDurationMs,
		OutboxSize:  pc.OutboxSize,
		AckTimeout:  cfg.Provider.AckTimeout,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}

	a.scheduler = session.NewScheduler(session.SchedulerConfig{
		Registry: a.sessions,
		Interval: pc.FlushInterval,
		Notifier: a.router,
		Metrics:  a.metrics,
	})
	a.ingestor = ingest.New(a.sessions, a.router, a.metrics)
	return nil
}

func sessionParams(pc config.ProviderConfig) realtime.SessionParams {
	return realtime.SessionParams{
		Model:          pc.Model,
		Language:       pc.Language,
		Prompt:         pc.Prompt,
		NoiseReduction: string(pc.NoiseReduction),
		VAD: realtime.VAD{
			Threshold:         pc.VAD.Threshold,
			PrefixPaddingMs:   pc.VAD.PrefixPaddingMs,
			SilenceDurationMs: pc.VAD.SilenceDurationMs,
		},
	}
}

func (a *App) initHTTP(cfg *config.Config) {
	apiCfg := api.Config{
		Ingestor: a.ingestor,
		Registry: a.sessions,
		Router:   a.router,
	}
	// A nil *archive.Store must not become a non-nil History.
	if a.store != nil {
		apiCfg.History = a.store
	}
	a.api = api.New(apiCfg)

	a.health = health.New(health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if a.sessions.Closed() {
				return session.ErrRegistryClosed
			}
			return nil
		},
	})
	if a.fallback != nil {
		a.health.Add(health.Checker{Name: "provider", Check: a.fallback.Check})
	}
	if a.store != nil {
		a.health.Add(health.Checker{Name: "archive", Check: a.store.Ping})
	}

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	metricsRoute := "GET " + cfg.Observe.MetricsPath
	mux.Handle(metricsRoute, observe.MetricsHandler(a.promRegistry))

	quiet := observe.WithQuietRoutes(health.RouteHealthz, health.RouteReadyz, metricsRoute)
	a.handler = observe.Middleware(a.metrics, quiet)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root HTTP handler with every route registered.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the config currently in effect, including hot reloads.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Run starts the flush scheduler and serves HTTP until ctx is cancelled or
// the listener fails. It stops accepting requests before returning; call
// [App.Shutdown] afterwards to release the pipeline.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	slog.Info("listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	a.scheduler.Start(a.ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.stopHTTP(sctx)
	})
	return g.Wait()
}

// stopHTTP marks the server as draining, ends open WebSockets and stops
// accepting requests.
func (a *App) stopHTTP(ctx context.Context) error {
	var err error
	a.stopServing.Do(func() {
		a.health.SetDraining(true)
		a.api.Close()
		if e := a.server.Shutdown(ctx); e != nil {
			err = fmt.Errorf("app: http shutdown: %w", e)
		}
	})
	return err
}

// reload applies a config change detected by the watcher.
func (a *App) reload(_, cfg *config.Config, d config.ConfigDiff) {
	a.cfg.Store(cfg)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MaxQueueChanged {
		a.sessions.SetMaxBufferMs(d.NewMaxQueueMs)
		slog.Info("max queue duration changed", "ms", d.NewMaxQueueMs)
	}
	if d.FlushIntervalChanged {
		a.scheduler.SetInterval(d.NewFlushInterval)
		slog.Info("flush interval changed", "interval", d.NewFlushInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems: HTTP first, then the scheduler and
// every upstream session, then the archive and telemetry. It respects the
// context deadline for the steps that wait.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", a.sessions.Len())
		err = a.release(ctx)
		slog.Info("shutdown complete")
	})
	return err
}

// release closes whatever init managed to create.
func (a *App) release(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.stopHTTP(ctx))
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.sessions != nil {
		if err := a.sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close sessions: %w", err))
		}
	}
	if a.unsubscribeAll != nil {
		a.unsubscribeAll()
	}
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close archive sink: %w", err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.cancel()
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
