package connectors

import "context"

// Factory constructs the adapter for a resolved route. The HTTP layer holds
// one of these instead of building adapters inline, so handler tests can
// substitute scripted streams the same way a mocked provider would behave.
type Factory interface {
	Hosted(ctx context.Context, p Provider, apiKey, model string) (Streamer, error)
	Ollama(ctx context.Context, baseURL, model string) (Streamer, error)
	LlamaServer(endpoint string) (Streamer, error)
}

type factory struct{}

// NewFactory returns the production adapter factory.
func NewFactory() Factory { return factory{} }

func (factory) Hosted(ctx context.Context, p Provider, apiKey, model string) (Streamer, error) {
	return NewHosted(ctx, p, apiKey, model)
}

func (factory) Ollama(ctx context.Context, baseURL, model string) (Streamer, error) {
	return NewOllama(ctx, baseURL, model)
}

func (factory) LlamaServer(endpoint string) (Streamer, error) {
	return NewLlamaServer(endpoint)
}
