// Package agent runs the bounded tool-calling loop for one session at a time.
//
// Invariants:
//   - An invocation holds the session lease from context build to commit.
//   - The provider is called at most MaxToolIterations times per invocation.
//   - History is committed once per invocation with a single AppendBatch;
//     provider failures and aborts commit nothing.
//   - Tool failures become tool entries the model can react to.
//   - Inbound messages are serialized per session through commandqueue lanes.
//
// Usage:
//
//	a, _ := agent.New(agent.Options{
//		Bus:      msgBus,
//		Sessions: sessions,
//		Tools:    registry,
//		Provider: provider,
//		Config:   agent.DefaultConfig(),
//	})
//	go a.Run(ctx)
package agent
