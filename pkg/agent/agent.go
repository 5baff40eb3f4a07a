package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/tools"
)

// Config tunes one agent.
type Config struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
	MemoryWindow      int // history entries fed back to the model; 0 keeps everything
	ProviderTimeout   time.Duration
	SystemPrompt      string
	Workspace         string
	ToolPolicy        *tools.Policy // nil exposes every registered tool
}

func DefaultConfig() Config {
	return Config{
		Model:             "claude-sonnet-4-5",
		MaxTokens:         4096,
		Temperature:       0.7,
		MaxToolIterations: 20,
		MemoryWindow:      50,
		ProviderTimeout:   120 * time.Second,
	}
}

// SubagentCanceller is the part of the subagent manager the /stop command needs.
type SubagentCanceller interface {
	CancelAll(parent string) int
}

// Options wires an Agent to its collaborators.
type Options struct {
	Bus       *bus.MessageBus
	Sessions  *session.Manager
	Tools     *tools.Registry
	Provider  providers.Provider
	Queue     *commandqueue.Queue // created when nil, holding at most bus capacity waiting tasks
	Context   *ContextBuilder     // created from Config when nil
	Subagents SubagentCanceller   // optional
	Config    Config
	Logger    zerolog.Logger
}

// ProviderError reports that the provider could not produce a response.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Agent consumes inbound messages and answers them with the tool loop.
type Agent struct {
	bus       *bus.MessageBus
	sessions  *session.Manager
	tools     *tools.Registry
	provider  providers.Provider
	queue     *commandqueue.Queue
	ownsQueue bool
	context   *ContextBuilder
	subagents SubagentCanceller
	dedup     *commandqueue.Deduper
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(opts Options) (*Agent, error) {
	switch {
	case opts.Bus == nil:
		return nil, errors.New("agent: bus is required")
	case opts.Sessions == nil:
		return nil, errors.New("agent: session manager is required")
	case opts.Tools == nil:
		return nil, errors.New("agent: tool registry is required")
	case opts.Provider == nil:
		return nil, errors.New("agent: provider is required")
	}

	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.MaxToolIterations <= 0 {
		return nil, fmt.Errorf("agent: max tool iterations must be positive, got %d", cfg.MaxToolIterations)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	observability.EnsureRegistered()

	logger := opts.Logger.With().Str("component", "agent").Logger()
	a := &Agent{
		bus:       opts.Bus,
		sessions:  opts.Sessions,
		tools:     opts.Tools,
		provider:  opts.Provider,
		queue:     opts.Queue,
		context:   opts.Context,
		subagents: opts.Subagents,
		dedup:     commandqueue.NewDeduper(10 * time.Minute),
		cfg:       cfg,
		logger:    logger,
		active:    make(map[string]context.CancelFunc),
	}
	if a.queue == nil {
		a.queue = commandqueue.New(opts.Logger, commandqueue.WithMaxQueued(opts.Bus.Capacity()))
		a.ownsQueue = true
	}
	if a.context == nil {
		a.context = NewContextBuilder(cfg.Workspace, cfg.SystemPrompt, opts.Logger)
	}
	return a, nil
}

// Deduper returns the cache of inbound message ids Run has seen.
func (a *Agent) Deduper() *commandqueue.Deduper {
	return a.dedup
}

// SetSubagents attaches the subagent manager after construction; the manager
// itself needs the agent as its runner.
func (a *Agent) SetSubagents(s SubagentCanceller) {
	a.mu.Lock()
	a.subagents = s
	a.mu.Unlock()
}

func (a *Agent) Config() Config {
	return a.cfg
}

// Abort cancels the invocation currently running for sessionKey. It takes
// effect at the next iteration boundary and nothing is committed.
func (a *Agent) Abort(sessionKey string) bool {
	a.mu.Lock()
	cancel, ok := a.active[sessionKey]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return false
	}
	a.logger.Info().Str("session_key", sessionKey).Msg("Aborting agent run")
	cancel()
	return true
}

// IsRunning reports whether an invocation holds sessionKey right now.
func (a *Agent) IsRunning(sessionKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[sessionKey]
	return ok
}

func (a *Agent) track(sessionKey string, cancel context.CancelFunc) func() {
	a.mu.Lock()
	a.active[sessionKey] = cancel
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.active, sessionKey)
		a.mu.Unlock()
		cancel()
	}
}

// Close stops the agent's own lane queue, if it created one, and the context
// watcher.
func (a *Agent) Close() error {
	var errs []error
	if a.ownsQueue {
		errs = append(errs, a.queue.Close())
	}
	errs = append(errs, a.context.Close())
	return errors.Join(errs...)
}
