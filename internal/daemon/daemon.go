package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/channels"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/harun/switchboard/pkg/tools/builtin"
)

// Version is reported by the CLI and attached to traces.
var Version = "0.1.0"

const (
	serviceName     = "switchboard-daemon"
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Options control which ingress the daemon opens.
type Options struct {
	Interactive bool // attach the stdin/stdout channel
	Stdin       io.Reader
	Stdout      io.Writer
}

// newProvider builds the model provider from the configured profiles.
var newProvider = func(cfg *config.Config, log zerolog.Logger) (providers.Provider, error) {
	if len(cfg.Providers.Profiles) == 0 {
		return nil, errors.New("no provider profiles configured (providers.profiles)")
	}
	profiles := make([]providers.Profile, 0, len(cfg.Providers.Profiles))
	for _, p := range cfg.Providers.Profiles {
		profiles = append(profiles, providers.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return providers.NewFailover(profiles, log, providers.WithMaxRetries(cfg.Agent.MaxRetries)), nil
}

// Daemon wires the switchboard runtime together and owns its lifetime.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger
	opts   Options

	bus       *bus.MessageBus
	sessions  *session.Manager
	registry  *tools.Registry
	provider  providers.Provider
	queue     *commandqueue.Queue
	context   *agent.ContextBuilder
	agent     *agent.Agent
	subagents *subagent.Manager
	audit     *observability.AuditLog
	auditFile io.Closer

	channels    *channels.Manager
	maintenance *Maintenance
	lifecycle   *LifecycleManager
	metricsSrv  *http.Server

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of a running daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Sessions  int
	Queue     commandqueue.Stats
	Subagents subagent.Stats
	Channels  []string
}

// New builds every component in dependency order. Nothing runs until Run.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		opts:   opts,
		stopCh: make(chan struct{}),
	}

	if err := tracing.InitOpenTelemetry(serviceName, Version); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.Zerolog()

	if path := d.config.Tools.AuditFile; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = observability.NewAuditLog(f)
		d.auditFile = f
		d.log.Info().Str("path", path).Msg("Audit log initialized")
	}

	d.bus = bus.NewMessageBus(d.config.Bus.Capacity, zl)

	store, err := OpenStore(d.config, zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.sessions = session.NewManager(store, zl)
	d.log.Info().Str("backend", d.config.Session.Backend).Msg("Session manager initialized")

	d.queue = commandqueue.New(zl, commandqueue.WithMaxQueued(d.bus.Capacity()))

	d.registry = tools.NewRegistry(zl,
		tools.WithTimeout(d.config.Agent.ToolTimeout()),
		tools.WithAuditLog(d.audit),
	)

	provider, err := newProvider(d.config, zl)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	d.provider = provider

	d.context = agent.NewContextBuilder(d.config.WorkspacePath, d.config.Agent.SystemPrompt, zl)

	var policy *tools.Policy
	if len(d.config.Tools.Allow) > 0 || len(d.config.Tools.Deny) > 0 {
		policy = &tools.Policy{Allow: d.config.Tools.Allow, Deny: d.config.Tools.Deny}
	}
	ag, err := agent.New(agent.Options{
		Bus:      d.bus,
		Sessions: d.sessions,
		Tools:    d.registry,
		Provider: d.provider,
		Queue:    d.queue,
		Context:  d.context,
		Config: agent.Config{
			Model:             d.config.Agent.Model,
			MaxTokens:         d.config.Agent.MaxTokens,
			Temperature:       d.config.Agent.Temperature,
			MaxToolIterations: d.config.Agent.MaxToolIterations,
			MemoryWindow:      d.config.Agent.MemoryWindow,
			ProviderTimeout:   d.config.Agent.ProviderTimeout(),
			SystemPrompt:      d.config.Agent.SystemPrompt,
			Workspace:         d.config.WorkspacePath,
			ToolPolicy:        policy,
		},
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	d.agent = ag

	subagents, err := subagent.NewManager(ag, d.bus, subagent.Config{
		MaxIterations: d.config.Subagent.MaxIterations,
		MaxPerParent:  d.config.Subagent.MaxPerParent,
		RegistryPath:  d.config.Subagent.RegistryPath,
		Logger:        zl,
		Audit:         d.audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create subagent manager: %w", err)
	}
	d.subagents = subagents
	ag.SetSubagents(subagents)

	if err := builtin.Register(d.registry, subagents); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	d.log.Info().Strs("tools", d.registry.Names()).Msg("Tool registry initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	zl := d.logger.Zerolog()

	d.channels = channels.NewManager(d.bus, zl)
	if d.opts.Interactive {
		cli := channels.NewCLIChannel(d.opts.Stdin, d.opts.Stdout, d.RequestStop, zl)
		if err := d.channels.Register(cli); err != nil {
			return err
		}
	}

	maintenance, err := NewMaintenance(d.bus, d.queue, d.agent.Deduper(), d.sessions, d.subagents, d.config.Subagent.Retention(), zl)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	d.maintenance = maintenance

	d.lifecycle = NewLifecycleManager(d.config.DataDir, d.log)

	if addr := d.config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return nil
}

// OpenStore opens the session backend selected by cfg.
func OpenStore(cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		return session.NewSQLiteStore(cfg.Session.SQLitePath, log)
	case "jsonl", "":
		return session.NewJSONLStore(cfg.Session.Dir, log)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

// Run starts the channels, the agent loop, outbound dispatch and the metrics
// listener, then blocks until ctx ends, RequestStop is called or a component
// fails. It always shuts down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.bus.Closed() {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewID()).Logger()
	logger.Info().Str("version", Version).Msg("Starting switchboard daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.context.Watch(0); err != nil {
		logger.Warn().Err(err).Msg("Failed to watch workspace, bootstrap files load once")
	}

	// Components outlive the caller's ctx so shutdown can drain them.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return d.agent.Run(gctx) })
	g.Go(func() error { return d.channels.Dispatch(gctx) })
	if d.metricsSrv != nil {
		g.Go(func() error {
			logger.Info().Str("addr", d.metricsSrv.Addr).Msg("Metrics listener started")
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}

	if err := d.channels.StartAll(runCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to start channels")
		d.shutdown(g, cancelRun)
		return err
	}
	d.maintenance.Start()
	logger.Info().Strs("channels", d.channels.Names()).Msg("Daemon started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown requested")
	case <-d.stopCh:
		logger.Info().Msg("Stop requested")
	case <-gctx.Done():
		logger.Error().Msg("A daemon component failed")
	}
	return d.shutdown(g, cancelRun)
}

// RequestStop asks a running daemon to shut down.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// shutdown stops intake, lets queued work finish and then releases
// everything. Order matters: channels first so nothing new arrives, the bus
// last so in-flight replies are still delivered.
func (d *Daemon) shutdown(g *errgroup.Group, cancelRun context.CancelFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.channels.StopAll(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop channels")
	}
	if err := d.subagents.Close(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to close subagent manager")
	}

	d.drain()
	d.bus.Close()

	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop metrics listener")
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("Timeout waiting for daemon goroutines")
		cancelRun()
		runErr = <-done
	}
	cancelRun()

	d.maintenance.Stop(ctx)
	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	closeErr := d.Close()
	d.markStopped()

	d.log.Info().Msg("Daemon stopped")
	return errors.Join(runErr, closeErr)
}

// drain waits for queued inbound messages to be picked up and every session
// lane to go idle.
func (d *Daemon) drain() {
	deadline := time.Now().Add(drainTimeout)
	for d.bus.InboundSize() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !d.queue.WaitForActive(time.Until(deadline)) {
		d.log.Warn().Msg("Shutting down with work still queued")
	}
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Close releases every resource New acquired. It is safe to call without Run
// and more than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if d.subagents != nil {
			errs = append(errs, d.subagents.Close(ctx))
		}
		if d.agent != nil {
			errs = append(errs, d.agent.Close())
		}
		if d.queue != nil {
			errs = append(errs, d.queue.Close())
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.sessions != nil {
			errs = append(errs, d.sessions.Close())
		}
		if d.auditFile != nil {
			errs = append(errs, d.auditFile.Close())
		}
		if d.tracingEnabled {
			errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
			d.tracingEnabled = false
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	d.mu.RUnlock()

	status.Sessions = d.sessions.Loaded()
	status.Queue = d.queue.Stats()
	status.Subagents = d.subagents.Stats()
	status.Channels = d.channels.Names()
	return status
}

// Agent returns the agent for direct (non-bus) use such as CLI one-shots.
func (d *Daemon) Agent() *agent.Agent {
	return d.agent
}

func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}
