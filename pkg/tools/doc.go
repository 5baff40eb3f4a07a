// Package tools holds the tool registry the agent loop dispatches model tool
// calls through.
//
// Every failure inside Execute (unknown tool, invalid arguments, policy
// denial, handler error, panic, timeout) is returned as a ToolResult with
// IsError set. Nothing crosses the registry boundary as a Go error.
package tools
