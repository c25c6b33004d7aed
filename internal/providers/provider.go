// Package providers defines the uniform contract over upstream model
// providers: a mock variant for demos/tests and an OpenAI-compatible HTTP
// variant for real upstreams. Both variants expose the same three
// operations so the sync pipeline and the job worker can dispatch through
// one interface regardless of which provider handles the call.
package providers

import (
	"context"
	"sync"
)

// Result is what a provider call leaves behind for billing and auditing:
// the raw provider JSON plus whatever token counts could be extracted from
// it. Token counts are nil when the provider didn't report them (e.g. a
// models listing) — the price table treats "both nil" as "unknown cost".
type Result struct {
	JSON             map[string]any
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Client is the uniform provider contract: responses, chat completions, and
// model discovery. Implementations are cached one-per-name for the lifetime
// of the process (see Factory).
type Client interface {
	Name() string
	Responses(ctx context.Context, payload map[string]any) (*Result, error)
	ChatCompletions(ctx context.Context, payload map[string]any) (*Result, error)
	ListModels(ctx context.Context) (map[string]any, error)
}

// Factory returns a Client by name, constructing and caching one instance
// per name for the lifetime of the process. Constructors run lazily so a
// deployment without credentials for a provider only fails when that
// provider is actually requested.
type Factory struct {
	constructors map[string]func() (Client, error)

	mu    sync.Mutex
	cache map[string]Client
}

// NewFactory builds a Factory from a set of named constructors. Each
// constructor is invoked at most once, lazily, on first Get.
func NewFactory(constructors map[string]func() (Client, error)) *Factory {
	return &Factory{
		constructors: constructors,
		cache:        make(map[string]Client, len(constructors)),
	}
}

// Get returns the cached Client for name, constructing it on first use.
// Returns an error if name has no registered constructor, or if
// construction fails (e.g. missing credentials) — the unknown_provider /
// provider_not_configured boundary the error mapper classifies.
func (f *Factory) Get(name string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[name]; ok {
		return c, nil
	}
	ctor, ok := f.constructors[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	c, err := ctor()
	if err != nil {
		return nil, err
	}
	f.cache[name] = c
	return c, nil
}

// UnknownProviderError is raised when a caller requests a provider name
// with no registered constructor. Mapped to 400/unknown_provider by the
// error mapper.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return "unknown provider: " + e.Name
}

// NotConfiguredError is raised by a provider constructor when required
// credentials/config are missing. Mapped to 500/provider_not_configured.
type NotConfiguredError struct {
	Name   string
	Detail string
}

func (e *NotConfiguredError) Error() string {
	return e.Name + ": not configured: " + e.Detail
}
