package connectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// Hosted streams through a cloud provider. One instance serves one request;
// clients are never shared or cached across requests.
type Hosted struct {
	provider Provider
	llm      llms.Model
	model    string
}

// NewHosted builds the provider client for one request. Grok rides the
// OpenAI-compatible client pointed at the xAI endpoint. Any construction
// failure wraps ErrClientInit so the HTTP layer responds 503 before a single
// byte has streamed.
func NewHosted(ctx context.Context, p Provider, apiKey, model string) (*Hosted, error) {
	log.Debug().
		Str("provider", string(p)).
		Str("model", model).
		Msg("creating hosted client")

	var llm llms.Model
	var err error

	switch p {
	case ProviderOpenAI:
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithToken(apiKey),
		)
	case ProviderGrok:
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithToken(apiKey),
			openai.WithBaseURL(GrokBaseURL),
		)
	case ProviderClaude:
		llm, err = anthropic.New(
			anthropic.WithToken(apiKey),
			anthropic.WithModel(model),
		)
	case ProviderGemini:
		llm, err = googleai.New(ctx, googleai.WithAPIKey(apiKey))
	default:
		return nil, fmt.Errorf("not a hosted provider: %s", p)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	return &Hosted{provider: p, llm: llm, model: model}, nil
}

// Stream opens the provider's streaming generation call.
func (h *Hosted) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	var callOpts []llms.CallOption
	// The googleai client ignores the constructor model, so it has to be
	// repeated on every call.
	if h.provider == ProviderGemini {
		callOpts = append(callOpts, llms.WithModel(h.model))
	}

	return streamModel(ctx, h.llm, req, callOpts, func(err error) *StreamError {
		return classifyHostedError(h.provider, err)
	}), nil
}

// classifyHostedError decides whether a generation failure reads like a
// provider-side API rejection (bad key, quota, refused request) or an
// unexpected server/transport fault, and renders the in-band message.
func classifyHostedError(p Provider, err error) *StreamError {
	if looksLikeAPIError(err) {
		if p == ProviderGemini {
			return &StreamError{
				Kind:    KindAPI,
				Message: fmt.Sprintf("Gemini API Error: The service returned an error. Check your API key and quota status. Details: %v", err),
			}
		}
		return &StreamError{
			Kind:    KindAPI,
			Message: fmt.Sprintf("%s API Error: %v", p.Display(), err),
		}
	}
	return &StreamError{
		Kind:    KindServer,
		Message: fmt.Sprintf("An unexpected error occurred: %v", err),
	}
}

var apiErrorMarkers = []string{
	"status code",
	"api key",
	"unauthorized",
	"permission",
	"quota",
	"rate limit",
	"401",
	"403",
	"429",
}

func looksLikeAPIError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range apiErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
