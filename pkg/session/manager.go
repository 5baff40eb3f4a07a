package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
)

// Manager serves session history from memory, backed by a durable Store.
type Manager struct {
	store  Store
	locks  *lockTable
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState guards one cached session. Its mutex covers loading and
// appending; the invocation-level exclusivity comes from Acquire.
type sessionState struct {
	mu     sync.Mutex
	loaded bool
	sess   Session
}

func NewManager(store Store, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		store:    store,
		locks:    newLockTable(),
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
}

func (m *Manager) state(key string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[key]
	if !ok {
		st = &sessionState{}
		m.sessions[key] = st
		observability.SetActiveSessions(len(m.sessions))
	}
	return st
}

// ensureLoaded replays the store into st. Caller holds st.mu.
func (m *Manager) ensureLoaded(ctx context.Context, key string, st *sessionState) error {
	if st.loaded {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "switchboard.session", "session.load", attribute.String("session_key", key))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	entries, err := m.store.Load(ctx, key)
	if err != nil {
		tracing.Fail(span, err)
		observability.RecordSessionStoreError("load")
		return fmt.Errorf("load session %s: %w", key, err)
	}

	st.sess = Session{Key: key, Entries: entries}
	if len(entries) > 0 {
		st.sess.CreatedAt = entries[0].Timestamp
		st.sess.UpdatedAt = entries[len(entries)-1].Timestamp
	} else {
		st.sess.CreatedAt = m.now().UTC()
		st.sess.UpdatedAt = st.sess.CreatedAt
	}
	st.loaded = true
	span.SetAttributes(attribute.Int("entries", len(entries)))

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("session_key", key).
		Int("entries", len(entries)).
		Msg("Session loaded")
	return nil
}

// GetOrCreate returns a snapshot of the session, creating an empty one on first use.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (Session, error) {
	if err := ValidateKey(key); err != nil {
		return Session{}, err
	}
	st := m.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.ensureLoaded(ctx, key, st); err != nil {
		return Session{}, err
	}
	return st.sess.snapshot(), nil
}

// Acquire blocks until the caller holds the session exclusively or ctx ends.
// Waiters for the same key are served in arrival order.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	lease, err := m.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", key, err)
	}
	return lease, nil
}

// Held reports whether some invocation currently holds key.
func (m *Manager) Held(key string) bool {
	return m.locks.held(key)
}

// Append durably records one entry. Callers are expected to hold the session's Lease.
func (m *Manager) Append(ctx context.Context, key string, entry HistoryEntry) error {
	return m.AppendBatch(ctx, key, entry)
}

// AppendBatch durably records entries as one unit and then makes them visible
// in memory. Either all entries are stored or none are.
func (m *Manager) AppendBatch(ctx context.Context, key string, entries ...HistoryEntry) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	now := m.now().UTC().Round(0)
	batch := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		e = e.clone()
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		batch[i] = e
	}

	ctx, span := tracing.StartSpan(ctx, "switchboard.session", "session.append",
		attribute.String("session_key", key),
		attribute.Int("entries", len(batch)),
	)
	defer span.End()

	st := m.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.ensureLoaded(ctx, key, st); err != nil {
		tracing.Fail(span, err)
		return err
	}

	start := time.Now()
	err := m.store.Append(ctx, key, batch)
	observability.RecordSessionSave(time.Since(start))
	if err != nil {
		tracing.Fail(span, err)
		observability.RecordSessionStoreError("append")
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Error().Err(err).
			Str("session_key", key).
			Int("entries", len(batch)).
			Msg("Session append failed")
		return fmt.Errorf("append session %s: %w", key, err)
	}

	st.sess.Entries = append(st.sess.Entries, batch...)
	st.sess.UpdatedAt = batch[len(batch)-1].Timestamp
	return nil
}

// History returns a copy of the session's entries in append order.
func (m *Manager) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	sess, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	return sess.Entries, nil
}

// ListSessions returns every key with durable history.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Loaded returns how many sessions are cached in memory.
func (m *Manager) Loaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
