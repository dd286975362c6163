package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// llamaTemperature is the fixed sampling temperature for llama-server
// requests.
const llamaTemperature = 0.5

// LlamaServer streams from a llama.cpp-style server speaking the
// OpenAI-compatible chat-completions SSE protocol. The endpoint is the full
// chat-completions URL supplied by the caller, e.g.
// http://localhost:8080/v1/chat/completions.
type LlamaServer struct {
	endpoint string
	client   *http.Client
}

// NewLlamaServer builds the adapter for one request.
func NewLlamaServer(endpoint string) (*LlamaServer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: llama server needs a local url", ErrPrecondition)
	}
	return &LlamaServer{
		endpoint: endpoint,
		client: &http.Client{
			// Response headers must arrive promptly; the body may then
			// stream for as long as generation takes.
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
	}, nil
}

type llamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llamaChatPayload struct {
	Model       string             `json:"model"`
	Messages    []llamaChatMessage `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature"`
}

type llamaChatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream posts the chat request and relays SSE deltas. A connection that
// cannot be established at all is a pre-stream failure (the server is not
// reachable); anything after that arrives in-band.
func (s *LlamaServer) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	payload := llamaChatPayload{
		Model: req.Model,
		Messages: []llamaChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream:      true,
		Temperature: llamaTemperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode llama payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: llama server unreachable: %v", ErrClientInit, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			send(ctx, out, Chunk{Err: &StreamError{
				Kind:    KindServer,
				Message: fmt.Sprintf("Llama server error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			}})
			return
		}

		if err := relaySSE(ctx, resp.Body, out); err != nil {
			send(ctx, out, Chunk{Err: &StreamError{
				Kind:    KindServer,
				Message: fmt.Sprintf("An unexpected error occurred: %v", err),
			}})
		}
	}()

	return out, nil
}

// relaySSE walks the event stream line by line until [DONE] or EOF,
// forwarding each delta. Returns an error only for transport faults; a
// consumer that goes away just ends the relay.
func relaySSE(ctx context.Context, body io.Reader, out chan<- Chunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		delta, ok := parseDelta(data)
		if !ok || delta == "" {
			continue
		}
		if !send(ctx, out, Chunk{Text: delta}) {
			return nil
		}
	}
	return scanner.Err()
}

// parseDelta extracts choices[0].delta.content from one SSE data line.
// llama.cpp builds occasionally emit malformed JSON on their error paths;
// one repair attempt is made before the line is dropped.
func parseDelta(data string) (string, bool) {
	var chunk llamaChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(data)
		if repErr != nil || json.Unmarshal([]byte(repaired), &chunk) != nil {
			log.Debug().Str("line", data).Msg("dropping unparseable sse line")
			return "", false
		}
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, true
}
