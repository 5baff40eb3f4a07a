// Package commandqueue runs tasks in named lanes.
//
// Invariants:
//   - Tasks in the same lane run one at a time in FIFO order.
//   - Tasks in different lanes run concurrently.
//   - A lane exists only while it has queued or running work.
//   - With WithMaxQueued, Submit blocks while the waiting tasks of all lanes
//     are at the cap.
//
// Usage:
//
//	q := commandqueue.New(logger)
//	defer q.Close()
//	done, _ := q.Submit(ctx, "session:abc", func(ctx context.Context) error {
//		return nil
//	})
//	err := <-done
package commandqueue
