// Package bus carries messages between channels and the agent loop.
//
// A MessageBus holds two bounded FIFO queues: inbound (channel to agent) and
// outbound (agent to channel). Publishing to a full queue blocks until space
// frees up or the caller's context ends; nothing is dropped. Close stops new
// publishes with ErrBusClosed while consumers keep draining whatever was
// already accepted.
package bus
