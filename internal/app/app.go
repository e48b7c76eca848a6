// Package app wires all GhostVoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithIncidentSink,
// WithDNC, etc.). When an option is not provided, New creates real
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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ghostvoice/internal/config"
	"github.com/MrWong99/ghostvoice/internal/dnc"
	"github.com/MrWong99/ghostvoice/internal/health"
	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
	"github.com/MrWong99/ghostvoice/internal/prosody"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/safety"
	"github.com/MrWong99/ghostvoice/internal/segment"
	"github.com/MrWong99/ghostvoice/internal/telemetry"
	"github.com/MrWong99/ghostvoice/pkg/provider/tts"
)

// natsConnectTimeout bounds the initial NATS connection attempt.
const natsConnectTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider tts.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	governor   *resilience.Governor
	correlator *telemetry.Correlator
	sinks      incident.Fanout
	log        *incident.Memory
	dispatcher *incident.Dispatcher
	registry   dnc.Registry
	fallback   *orchestrator.Fallback
	sessions   *SessionManager
	checkers   []health.Checker
	level      *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIncidentSink adds a sink that receives every incident in addition to
// the configured ones.
func WithIncidentSink(s incident.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithDNC injects a do-not-call registry instead of creating one from
// config.
func WithDNC(r dnc.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. provider is the
// synthesis provider built by main via the config registry.
func New(ctx context.Context, cfg *config.Config, provider tts.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: tts provider is required")
	}
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initGovernor()
	a.correlator = telemetry.New(
		telemetry.WithBuffer(cfg.Telemetry.Buffer),
		telemetry.WithMaxTraces(cfg.Telemetry.MaxTraces),
		telemetry.WithMetrics(a.metrics),
	)

	if err := a.initIncidents(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init incidents: %w", err)
	}
	if err := a.initDNC(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dnc: %w", err)
	}

	fb, err := LoadFallback(cfg.Fallback, cfg.Pipeline.SampleRate)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init fallback: %w", err)
	}
	a.fallback = fb

	pol, err := PolicyFromConfig(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init policy: %w", err)
	}

	a.sessions = NewSessionManager(CallDeps{
		Provider:   provider,
		Governor:   a.governor,
		Prosody:    prosody.New(),
		Segmenter:  segment.New(cfg.Pipeline.MaxUnitLength),
		Correlator: a.correlator,
		Incidents:  a.dispatcher,
		Metrics:    a.metrics,
		Fallback:   a.fallback,
		DNC:        a.registry,
	}, OrchestratorConfig(cfg), pol)

	a.checkers = append([]health.Checker{health.Breaker("tts_breaker", a.governor)}, a.checkers...)
	return a, nil
}

// initGovernor creates the provider health governor and reports its
// transitions.
func (a *App) initGovernor() {
	a.governor = resilience.New(a.cfg.Breaker.Governor(a.cfg.Provider.Name))
	a.governor.OnTransition(func(t resilience.Transition) {
		a.metrics.RecordBreakerTransition(context.Background(), t.From.String(), t.To.String())
		slog.Warn("tts circuit changed state",
			"provider", a.cfg.Provider.Name,
			"from", t.From.String(),
			"to", t.To.String(),
			"reason", t.Reason,
		)
	})
}

// initIncidents builds the incident fan-out: structured logs and the
// in-memory list always, Postgres and NATS when configured.
func (a *App) initIncidents(ctx context.Context) error {
	a.log = incident.NewMemory(a.cfg.Incidents.Retain)
	sinks := incident.Fanout{incident.LogSink{}, a.log}

	if dsn := a.cfg.Incidents.PostgresDSN; dsn != "" {
		pool, err := incident.OpenPool(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := incident.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, store)
		a.checkers = append(a.checkers, health.Ping("incident_store", pool))
		slog.Info("incident store connected")
	}

	if url := a.cfg.Incidents.NATSURL; url != "" {
		nc, err := incident.ConnectNATS(url, "ghostvoice", natsConnectTimeout)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, nc.Drain)
		sinks = append(sinks, incident.NewNATSSink(nc, a.cfg.Incidents.SubjectPrefix))
		a.checkers = append(a.checkers, health.Optional(health.Ping("incident_bus", health.PingFunc(nc.FlushWithContext))))
		slog.Info("incident publisher connected", "subject_prefix", a.cfg.Incidents.SubjectPrefix)
	}

	// Injected sinks go last so they see records after the durable ones.
	a.sinks = append(sinks, a.sinks...)
	a.dispatcher = incident.NewDispatcher(a.sinks,
		incident.WithQueue(a.cfg.Incidents.Queue),
		incident.WithDispatcherMetrics(a.metrics),
	)
	return nil
}

// initDNC sets up the do-not-call registry unless one was injected.
func (a *App) initDNC(ctx context.Context) error {
	if a.registry != nil {
		return nil
	}
	c := a.cfg.DNC
	if c.RedisAddr == "" {
		a.registry = dnc.NewStatic(c.Numbers...)
		return nil
	}
	client := dnc.Dial(c.RedisAddr, c.RedisPassword, c.RedisDB)
	a.closers = append(a.closers, client.Close)
	r := dnc.NewRedis(client, c.Key)
	if err := r.Ping(ctx); err != nil {
		return err
	}
	a.registry = r
	a.checkers = append(a.checkers, health.Ping("dnc", r))
	return nil
}

// PolicyFromConfig builds the hot-reloadable call policy.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Catalog:    cat,
		Gate:       safety.NewGate(cfg.Safety.GateOptions()...),
		Frameworks: cfg.DefaultFrameworks(),
	}, nil
}

// OrchestratorConfig maps the pipeline section onto per-call orchestrator
// settings.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	p := cfg.Pipeline
	return orchestrator.Config{
		Window:             p.Window,
		MaxAttempts:        p.MaxAttempts,
		TurnBudget:         p.TurnBudget,
		AttemptTimeout:     p.AttemptTimeout,
		InitialBackoff:     p.InitialBackoff,
		MaxBackoff:         p.MaxBackoff,
		BlockPolicy:        orchestrator.BlockPolicy(p.BlockPolicy),
		SampleRate:         p.SampleRate,
		ProviderSampleRate: cfg.Provider.SampleRate(),
		FallbackSilence:    p.FallbackSilence,
		ProviderName:       cfg.Provider.Name,
	}
}

// Sessions returns the call session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Governor returns the provider health governor.
func (a *App) Governor() *resilience.Governor { return a.governor }

// Correlator returns the telemetry correlator.
func (a *App) Correlator() *telemetry.Correlator { return a.correlator }

// Incidents returns the in-memory incident log.
func (a *App) Incidents() *incident.Memory { return a.log }

// Checkers returns the readiness checks of the configured dependencies.
func (a *App) Checkers() []health.Checker { return a.checkers }

// Metrics returns the metric instruments.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Reload applies the hot-reloadable parts of a changed config. It is
// shaped as a [config.ChangeFunc].
func (a *App) Reload(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonasChanged || d.DefaultChanged || d.SafetyChanged || d.FrameworksChanged {
		pol, err := PolicyFromConfig(next)
		if err != nil {
			slog.Error("config reload rejected", "err", err)
			return
		}
		a.sessions.SetPolicy(pol)
		slog.Info("call policy reloaded",
			"personas", pol.Catalog.IDs(),
			"frameworks", pol.Frameworks,
			"persona_changes", len(d.PersonaChanges),
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run serves handler on the configured address and runs the background
// loops (telemetry correlation, incident dispatch, and extra) until ctx is
// cancelled or one of them fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context, handler http.Handler, extra ...func(context.Context) error) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln, handler, extra...)
}

// Serve is like Run but uses an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener, handler http.Handler, extra ...func(context.Context) error) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.correlator.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.sessions.CloseAll()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "provider", a.cfg.Provider.Name)
	return g.Wait()
}

// Shutdown hangs up all calls and releases external connections. It is
// safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.sessions.CloseAll()
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
