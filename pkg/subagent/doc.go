// Package subagent runs delegated goals in the background.
//
// Each task gets its own session key, "<parent>#sub-<id>", and a context
// detached from the spawning invocation. When the task ends its result is
// published on the bus as an outbound message addressed to the parent's
// chat. Cancelling a task marks it failed and discards any output it later
// produces. The task registry is kept as a JSON file rewritten atomically.
package subagent
