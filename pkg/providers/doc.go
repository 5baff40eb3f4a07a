// Package providers binds chat-completion backends to one Provider interface.
//
// AnthropicProvider and OpenAIProvider translate the working conversation into
// each SDK's request types. Failover wraps a prioritized list of profiles with
// retry, backoff and per-profile cooldown.
package providers
