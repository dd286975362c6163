// Package connectors holds the provider adapters that turn one analysis
// request into a live stream of model output.
package connectors

import (
	"context"
	"errors"
	"fmt"
)

// Provider identifies an analysis backend. The set is closed: routing code
// switches over it exhaustively instead of looking names up in a map.
type Provider string

const (
	// Local backends.
	ProviderSrvLlama Provider = "srvllama"
	ProviderOllama   Provider = "ollama"

	// Hosted backends.
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
	ProviderGrok   Provider = "grok"
)

// ErrUnknownProvider is returned when a header names a provider outside the
// closed set.
var ErrUnknownProvider = errors.New("unknown provider")

// ParseLocal maps an x-default-local-provider header value onto the enum.
func ParseLocal(name string) (Provider, error) {
	switch Provider(name) {
	case ProviderSrvLlama:
		return ProviderSrvLlama, nil
	case ProviderOllama:
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("%w: %q is not a local provider", ErrUnknownProvider, name)
	}
}

// ParseCloud maps an x-default-cloud-provider header value onto the enum.
func ParseCloud(name string) (Provider, error) {
	switch Provider(name) {
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderClaude:
		return ProviderClaude, nil
	case ProviderGemini:
		return ProviderGemini, nil
	case ProviderGrok:
		return ProviderGrok, nil
	default:
		return "", fmt.Errorf("%w: %q is not a cloud provider", ErrUnknownProvider, name)
	}
}

// Local reports whether the provider runs on caller-supplied infrastructure.
func (p Provider) Local() bool {
	return p == ProviderSrvLlama || p == ProviderOllama
}

// Display returns the name used in client-facing error messages.
func (p Provider) Display() string {
	switch p {
	case ProviderSrvLlama:
		return "Llama server"
	case ProviderOllama:
		return "Ollama"
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderClaude:
		return "Claude"
	case ProviderGemini:
		return "Gemini"
	case ProviderGrok:
		return "Grok"
	default:
		return string(p)
	}
}

// GrokBaseURL is the OpenAI-compatible endpoint xAI exposes.
const GrokBaseURL = "https://api.x.ai/v1"

// Model returns the model identifier the provider uses for the given mode.
// Snippet mode prefers the smaller, faster variant where the provider has
// one. Local providers take their model names from request headers instead.
func (p Provider) Model(snippet bool) string {
	switch p {
	case ProviderOpenAI:
		if snippet {
			return "gpt-4o-mini"
		}
		return "gpt-4o"
	case ProviderClaude:
		if snippet {
			return "claude-3-haiku-20240307"
		}
		return "claude-3-5-sonnet-20240620"
	case ProviderGemini:
		return "gemini-2.5-flash"
	case ProviderGrok:
		return "grok-beta"
	default:
		return ""
	}
}

// Request is one analysis call handed to a Streamer. Prompts arrive fully
// assembled; adapters never rebuild them.
type Request struct {
	System string
	User   string
	Model  string
}

// ErrorKind separates provider API rejections from everything else.
type ErrorKind string

const (
	KindAPI    ErrorKind = "api"
	KindServer ErrorKind = "server"
)

// StreamError is a failure that happened after streaming began. It travels
// in-band as the final chunk; rendering it as sentinel text is the HTTP
// layer's job.
type StreamError struct {
	Kind    ErrorKind
	Message string
}

// Chunk is one unit of adapter output: a text fragment or a terminal error,
// never both.
type Chunk struct {
	Text string
	Err  *StreamError
}

// Streamer produces the output stream for one request. A non-nil error means
// the stream never started (bad preconditions, client construction failure,
// unknown model) and maps to an HTTP status; once a channel is returned all
// further failures arrive in-band. The channel closes when the stream ends.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Pre-stream failure classes. Adapters wrap these so the HTTP layer can map
// them to status codes without knowing adapter internals.
var (
	// ErrPrecondition: the adapter's own required inputs were missing,
	// regardless of what the router already validated.
	ErrPrecondition = errors.New("incomplete adapter preconditions")
	// ErrClientInit: provider client could not be constructed or the target
	// host is unreachable.
	ErrClientInit = errors.New("client not initialized")
	// ErrModelUnavailable: the daemon does not serve the requested model.
	ErrModelUnavailable = errors.New("unavailable model")
)

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
