// Package session owns durable, ordered conversation history.
//
// Invariants:
//   - Session keys are validated and path-safe.
//   - Acquire hands out at most one Lease per key; waiters are served FIFO.
//   - AppendBatch is all-or-nothing: after a crash a replay sees either every
//     entry of a batch or none of them.
//   - History returns a copy; callers never see a live view.
//
// Usage:
//
//	store, _ := session.NewJSONLStore("/tmp/switchboard/sessions", logger)
//	mgr := session.NewManager(store, logger)
//	lease, _ := mgr.Acquire(ctx, "cli:direct:me")
//	defer lease.Release()
//	_ = mgr.AppendBatch(ctx, "cli:direct:me", session.UserEntry("hi"), session.AssistantEntry("hello", nil))
package session
