package subagent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/bus"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 12

	DefaultMaxIterations = 15
	DefaultMaxPerParent  = 4
	DefaultRetention     = 24 * time.Hour
)

// Config holds manager settings.
type Config struct {
	MaxIterations int
	MaxPerParent  int
	RegistryPath  string // empty disables persistence
	Logger        zerolog.Logger
	Audit         *observability.AuditLog
}

type handle struct {
	cancel context.CancelFunc
}

// Manager runs subagents in the background and reports their results to the
// parent's chat through the bus.
type Manager struct {
	runner Runner
	bus    *bus.MessageBus
	cfg    Config
	logger zerolog.Logger
	audit  *observability.AuditLog

	mu      sync.RWMutex
	tasks   map[string]*Task
	running map[string]*handle
	closed  bool
	wg      sync.WaitGroup

	saveMu sync.Mutex
}

// NewManager loads the task registry, if any, and returns a ready manager.
// Tasks left pending or running by a previous process are marked failed.
func NewManager(runner Runner, b *bus.MessageBus, cfg Config) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("subagent: runner is required")
	}
	if b == nil {
		return nil, errors.New("subagent: bus is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxPerParent <= 0 {
		cfg.MaxPerParent = DefaultMaxPerParent
	}
	observability.EnsureRegistered()

	m := &Manager{
		runner:  runner,
		bus:     b,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "subagent").Logger(),
		audit:   cfg.Audit,
		tasks:   make(map[string]*Task),
		running: make(map[string]*handle),
	}

	tasks, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		m.logger.Error().Err(err).Str("path", cfg.RegistryPath).Msg("Failed to load registry, starting empty")
	}
	interrupted := 0
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			now := time.Now()
			t.Status = StatusFailed
			t.Error = "interrupted by restart"
			t.CompletedAt = &now
			interrupted++
		}
		m.tasks[t.ID] = t
	}
	if len(tasks) > 0 {
		m.logger.Info().Int("tasks", len(tasks)).Int("interrupted", interrupted).Msg("Registry loaded")
	}
	if interrupted > 0 {
		m.save()
	}
	return m, nil
}

// Spawn schedules goal as a background subagent and returns its task id
// without waiting. The subagent gets its own session derived from the
// parent's key and a context detached from ctx.
func (m *Manager) Spawn(ctx context.Context, origin Origin, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", errors.New("subagent: goal cannot be empty")
	}
	if origin.SessionKey == "" {
		return "", errors.New("subagent: parent session key is required")
	}
	if IsChildSessionKey(origin.SessionKey) {
		return "", ErrNestedSpawn
	}

	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	task := &Task{
		ID:               id,
		ParentSessionKey: origin.SessionKey,
		ChildSessionKey:  ChildSessionKey(origin.SessionKey, id),
		Channel:          origin.Channel,
		ChatID:           origin.ChatID,
		Goal:             goal,
		Label:            origin.Label,
		Status:           StatusPending,
		CreatedAt:        time.Now(),
	}

	runCtx, cancel := context.WithCancel(tracing.DetachForSubagent(ctx, id, task.ChildSessionKey))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	if n := m.activeForLocked(origin.SessionKey); n >= m.cfg.MaxPerParent {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w (%d/%d)", ErrTooManySubagents, n, m.cfg.MaxPerParent)
	}
	m.tasks[id] = task
	m.running[id] = &handle{cancel: cancel}
	active := len(m.running)
	m.wg.Add(1)
	m.mu.Unlock()

	observability.SetSubagentActive(active)
	m.save()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("task_id", id).
		Str("child_session", task.ChildSessionKey).
		Str("label", task.Label).
		Msg("Subagent spawned")
	m.audit.Record(ctx, observability.AuditEvent{
		Type:     "subagent",
		Actor:    origin.SessionKey,
		Action:   "subagent.spawn",
		Status:   string(StatusPending),
		Metadata: map[string]any{"task_id": id, "label": task.Label},
	})

	go m.run(runCtx, id)
	return id, nil
}

func (m *Manager) run(ctx context.Context, id string) {
	defer m.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "switchboard.subagent", "subagent.run",
		attribute.String("task_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	req, ok := m.markRunning(id)
	if !ok {
		m.finish(id, RunResult{}, ErrTaskNotFound)
		return
	}

	result, err := m.invoke(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
	}

	msg, deliver := m.finish(id, result, err)
	if !deliver {
		logger.Info().Msg("Subagent result suppressed after cancellation")
		return
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Subagent failed")
	} else {
		logger.Info().Bool("truncated", result.Truncated).Msg("Subagent completed")
	}

	if pubErr := m.bus.PublishOutbound(context.WithoutCancel(ctx), msg); pubErr != nil {
		logger.Error().Err(pubErr).Msg("Failed to deliver subagent result")
	}
}

func (m *Manager) invoke(ctx context.Context, req RunRequest) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subagent panicked: %v", r)
		}
	}()
	return m.runner.RunSubagent(ctx, req)
}

func (m *Manager) markRunning(id string) (RunRequest, bool) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.Status != StatusPending {
		m.mu.Unlock()
		return RunRequest{}, false
	}
	task.Status = StatusRunning
	req := RunRequest{
		TaskID:     id,
		SessionKey: task.ChildSessionKey,
		Goal:       task.Goal,
		Origin: Origin{
			SessionKey: task.ParentSessionKey,
			Channel:    task.Channel,
			ChatID:     task.ChatID,
			Label:      task.Label,
		},
		MaxIterations: m.cfg.MaxIterations,
	}
	m.mu.Unlock()

	m.save()
	return req, true
}

// finish records the outcome. It reports false when the task was cancelled
// while running, in which case nothing is delivered.
func (m *Manager) finish(id string, result RunResult, runErr error) (bus.OutboundMessage, bool) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if h := m.running[id]; h != nil {
		h.cancel()
		delete(m.running, id)
	}
	active := len(m.running)
	if !ok || task.Status.IsTerminal() {
		m.mu.Unlock()
		observability.SetSubagentActive(active)
		return bus.OutboundMessage{}, false
	}

	now := time.Now()
	task.CompletedAt = &now
	msg := bus.OutboundMessage{
		Channel:  task.Channel,
		ChatID:   task.ChatID,
		Metadata: map[string]any{bus.MetaSubagentID: id},
	}
	if runErr != nil {
		task.Status = StatusFailed
		task.Error = runErr.Error()
		msg.Content = fmt.Sprintf("Subagent %s failed: %s", task.name(), runErr)
		msg.Metadata[bus.MetaError] = true
	} else {
		task.Status = StatusCompleted
		msg.Content = fmt.Sprintf("Subagent %s finished:\n\n%s", task.name(), result.Content)
		if result.Truncated {
			msg.Metadata[bus.MetaTruncated] = true
		}
	}
	task.Result = &msg
	status := task.Status
	parent := task.ParentSessionKey
	m.mu.Unlock()

	observability.SetSubagentActive(active)
	observability.RecordSubagentFinished(string(status))
	m.audit.Record(context.Background(), observability.AuditEvent{
		Type:     "subagent",
		Actor:    parent,
		Action:   "subagent.finish",
		Status:   string(status),
		Metadata: map[string]any{"task_id": id},
	})
	m.save()
	return msg, true
}

// Cancel stops a task. It is marked failed right away; the child invocation
// stops at its next iteration boundary and its output is discarded.
// Cancelling a finished task is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	now := time.Now()
	task.Status = StatusFailed
	task.Error = "cancelled"
	task.CompletedAt = &now
	if h := m.running[id]; h != nil {
		h.cancel()
	}
	parent := task.ParentSessionKey
	m.mu.Unlock()

	observability.RecordSubagentFinished("cancelled")
	m.audit.Record(context.Background(), observability.AuditEvent{
		Type:     "subagent",
		Actor:    parent,
		Action:   "subagent.cancel",
		Status:   string(StatusFailed),
		Metadata: map[string]any{"task_id": id},
	})
	m.logger.Info().Str("task_id", id).Msg("Subagent cancelled")
	m.save()
	return nil
}

// CancelAll cancels every unfinished task spawned by parent.
func (m *Manager) CancelAll(parent string) int {
	m.mu.RLock()
	var ids []string
	for id, t := range m.tasks {
		if t.ParentSessionKey == parent && !t.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := m.Cancel(id); err == nil {
			n++
		}
	}
	return n
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns tasks oldest first. An empty parent lists everything.
func (m *Manager) List(parent string) []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if parent == "" || t.ParentSessionKey == parent {
			out = append(out, t.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Total: len(m.tasks)}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending, StatusRunning:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Cleanup forgets finished tasks that completed more than retention ago.
func (m *Manager) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	removed := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.save()
	}
	m.logger.Debug().Int("removed", removed).Msg("Cleanup completed")
	return removed
}

// Close cancels running tasks, waits for their goroutines until ctx ends and
// writes the registry one last time.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var ids []string
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("Timed out waiting for subagents to stop")
		return ctx.Err()
	}
	m.save()
	return nil
}

func (m *Manager) activeForLocked(parent string) int {
	n := 0
	for _, t := range m.tasks {
		if t.ParentSessionKey == parent && !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Manager) save() {
	if m.cfg.RegistryPath == "" {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		c := t.clone()
		tasks = append(tasks, &c)
	}
	m.mu.RUnlock()

	if err := saveRegistry(m.cfg.RegistryPath, tasks); err != nil {
		m.logger.Error().Err(err).Msg("Failed to save registry")
	}
}
