package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/subagent"
)

const (
	cleanupSpec = "@every 1h"
	statsSpec   = "@every 30s"
)

// Maintenance runs periodic housekeeping on a cron scheduler.
type Maintenance struct {
	cron      *cron.Cron
	bus       *bus.MessageBus
	queue     *commandqueue.Queue
	dedup     *commandqueue.Deduper
	sessions  *session.Manager
	subagents *subagent.Manager
	retention time.Duration
	logger    zerolog.Logger
}

func NewMaintenance(b *bus.MessageBus, q *commandqueue.Queue, dedup *commandqueue.Deduper, sessions *session.Manager, subagents *subagent.Manager, retention time.Duration, logger zerolog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		cron:      cron.New(),
		bus:       b,
		queue:     q,
		dedup:     dedup,
		sessions:  sessions,
		subagents: subagents,
		retention: retention,
		logger:    logger.With().Str("component", "maintenance").Logger(),
	}
	if _, err := m.cron.AddFunc(cleanupSpec, m.cleanup); err != nil {
		return nil, err
	}
	if _, err := m.cron.AddFunc(statsSpec, m.stats); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info().Int("jobs", len(m.cron.Entries())).Msg("Maintenance scheduler started")
}

// Stop halts the scheduler and waits for a running job to finish or ctx to end.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		m.logger.Warn().Msg("Timeout waiting for maintenance job")
	}
}

func (m *Maintenance) cleanup() {
	if m.subagents == nil || m.retention <= 0 {
		return
	}
	if removed := m.subagents.Cleanup(m.retention); removed > 0 {
		m.logger.Info().Int("removed", removed).Dur("retention", m.retention).Msg("Pruned finished subagent tasks")
	}
}

func (m *Maintenance) stats() {
	observability.SetActiveSessions(m.sessions.Loaded())
	observability.SetBusDepth("inbound", m.bus.InboundSize())
	observability.SetBusDepth("outbound", m.bus.OutboundSize())

	seen := 0
	if m.dedup != nil {
		seen = m.dedup.Prune()
	}

	qs := m.queue.Stats()
	ev := m.logger.Debug()
	if qs.Queued > 0 || qs.Running > 0 {
		ev = m.logger.Info()
	}
	ev.Int("lanes", qs.Lanes).
		Int("queued", qs.Queued).
		Int("running", qs.Running).
		Int("sessions", m.sessions.Loaded()).
		Int("dedup_ids", seen).
		Msg("Queue stats")

	if m.subagents != nil {
		st := m.subagents.Stats()
		observability.SetSubagentActive(st.Active)
	}
}
