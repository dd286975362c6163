package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaModel is one entry from the daemon's /api/tags listing.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// FetchOllamaModels lists the models an Ollama daemon currently serves.
func FetchOllamaModels(ctx context.Context, baseURL string) ([]OllamaModel, error) {
	apiURL := strings.TrimSuffix(baseURL, "/") + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API returned status %d: %s", resp.StatusCode, resp.Status)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	return tags.Models, nil
}

// Ollama streams through a local Ollama daemon.
type Ollama struct {
	llm   *ollama.LLM
	model string
}

// NewOllama connects to the daemon at baseURL and prepares it to run model.
// The daemon's model list is consulted up front so an unknown model is
// refused before any streaming begins.
func NewOllama(ctx context.Context, baseURL, model string) (*Ollama, error) {
	if baseURL == "" || model == "" {
		return nil, fmt.Errorf("%w: ollama needs a local url and a model", ErrPrecondition)
	}

	available, err := FetchOllamaModels(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	found := false
	for _, m := range available {
		if m.Name == model {
			found = true
			break
		}
	}
	if !found {
		log.Debug().
			Str("model", model).
			Int("available", len(available)).
			Msg("requested model not served by ollama daemon")
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, model)
	}

	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	return &Ollama{llm: llm, model: model}, nil
}

// Stream runs the request against the daemon. The daemon disappearing
// mid-generation arrives as an in-band server error chunk.
func (o *Ollama) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return streamModel(ctx, o.llm, req, nil, func(err error) *StreamError {
		return &StreamError{
			Kind:    KindServer,
			Message: fmt.Sprintf("Ollama service is unavailable. An unexpected error occurred: %v", err),
		}
	}), nil
}
