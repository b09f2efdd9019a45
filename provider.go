package rlm

import "context"

// Provider abstracts a chat-completion backend, such as the one the cluster
// client's chat calls and the Folder's LLM mode go through. A single call is
// one complete chat exchange; batching and retries are the caller's concern.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "cluster").
	Name() string
}
