package session

import "context"

// Store persists session history as an append-only log per key.
type Store interface {
	// Load replays the log for key in append order. An unknown key yields no entries.
	Load(ctx context.Context, key string) ([]HistoryEntry, error)
	// Append durably writes entries as one unit before returning.
	Append(ctx context.Context, key string, entries []HistoryEntry) error
	// List returns every key with at least one durable entry.
	List(ctx context.Context) ([]string, error)
	Close() error
}
