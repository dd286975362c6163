package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/codealign/internal/analysis"
	"github.com/codealign/internal/connectors"
	"github.com/codealign/internal/envelope"
)

// analyzeRequest is the JSON body of POST /analyze.
type analyzeRequest struct {
	Code    string `json:"code"`
	Context string `json:"context"`
}

// Error sentinels recognized in accumulated stream output. Text beginning
// with one of these is never persisted.
const (
	sentinelAPIError    = "[API_ERROR]"
	sentinelServerError = "[SERVER_ERROR]"
)

// handleAnalyze routes one analysis request to the provider selected by the
// x-* headers and relays the model's output as a plain-text stream.
func (s *Server) handleAnalyze(c echo.Context) error {
	var body analyzeRequest
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	d, err := analysis.ParseDirectives(c.Request().Header, s.cfg.DemoActive())
	if err != nil {
		if errors.Is(err, analysis.ErrIncompleteHeaders) {
			return echo.NewHTTPError(http.StatusBadRequest, "Incomplete headers")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "One or more invalid headers!")
	}

	ctx := c.Request().Context()
	provider := d.Provider()

	streamer, req, err := s.buildRoute(ctx, d, body)
	if err != nil {
		return routeError(provider, err)
	}

	ch, err := streamer.Stream(ctx, req)
	if err != nil {
		return routeError(provider, err)
	}

	return s.relay(c, ch, d.Signature)
}

// buildRoute resolves the adapter and fully assembled prompts for one
// request. All pre-stream failures come back as wrapped connector sentinels
// so routeError can map them to status codes.
func (s *Server) buildRoute(ctx context.Context, d *analysis.Directives, body analyzeRequest) (connectors.Streamer, connectors.Request, error) {
	var empty connectors.Request

	switch p := d.Provider(); p {
	case connectors.ProviderSrvLlama:
		// The llama-server route serves snippet mode only.
		if !d.UseSnippet {
			return nil, empty, fmt.Errorf("%w: llama-server route requires snippet mode", connectors.ErrPrecondition)
		}
		streamer, err := s.factory.LlamaServer(d.LocalURL)
		if err != nil {
			return nil, empty, err
		}
		return streamer, connectors.Request{
			System: analysis.SystemPromptSnippet,
			User:   body.Code,
			Model:  d.SnippetModel,
		}, nil

	case connectors.ProviderOllama:
		model := d.LocalModel()
		streamer, err := s.factory.Ollama(ctx, d.LocalURL, model)
		if err != nil {
			return nil, empty, err
		}
		return streamer, connectors.Request{
			System: analysis.SystemPrompt(d.UseSnippet),
			User:   body.Code,
			Model:  model,
		}, nil

	default:
		apiKey := s.resolveCredential(d)
		if apiKey == "" || apiKey == envelope.Failed {
			return nil, empty, fmt.Errorf("%w: credential unavailable", connectors.ErrClientInit)
		}
		model := p.Model(d.UseSnippet)
		streamer, err := s.factory.Hosted(ctx, p, apiKey, model)
		if err != nil {
			return nil, empty, err
		}
		return streamer, connectors.Request{
			System: analysis.SystemPrompt(d.UseSnippet),
			User:   analysis.UserContent(body.Code, body.Context, d.UseSnippet),
			Model:  model,
		}, nil
	}
}

// resolveCredential recovers the provider credential for a cloud route.
// Demo requests use the server-side key; everything else goes through the
// envelope. A failed unwrap surfaces as envelope.Failed, never as an error.
func (s *Server) resolveCredential(d *analysis.Directives) string {
	if d.Demo {
		return s.cfg.Demo.APIKey
	}
	return s.keys.Unwrap(d.WrappedKey, d.IV, d.CipherKey)
}

// routeError maps a pre-stream failure onto the HTTP status contract. Once
// streaming has begun errors travel in-band instead.
func routeError(p connectors.Provider, err error) error {
	switch {
	case errors.Is(err, connectors.ErrPrecondition):
		if p == connectors.ProviderOllama {
			return echo.NewHTTPError(http.StatusBadRequest, "One or more invalid headers!")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "Incomplete headers")
	case errors.Is(err, connectors.ErrModelUnavailable):
		return echo.NewHTTPError(http.StatusNotFound, "Unavailable model")
	case errors.Is(err, connectors.ErrClientInit):
		if p.Local() {
			return echo.NewHTTPError(http.StatusServiceUnavailable,
				fmt.Sprintf("%s client is not initialized. Ensure %s is running and accessible.", p.Display(), p.Display()))
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable,
			fmt.Sprintf("%s client is not initialized. Ensure API key is valid.", p.Display()))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// relay forwards chunks to the client verbatim as they arrive, then commits
// the accumulated text. A client that disconnects mid-stream forfeits the
// commit; partial output is never saved.
func (s *Server) relay(c echo.Context, ch <-chan connectors.Chunk, signature string) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	resp.WriteHeader(http.StatusOK)

	var acc strings.Builder
	for chunk := range ch {
		text := chunk.Text
		if chunk.Err != nil {
			text = renderSentinel(chunk.Err)
		}
		if _, err := resp.Write([]byte(text)); err != nil {
			log.Debug().Err(err).Msg("client disconnected mid-stream")
			return nil
		}
		resp.Flush()
		acc.WriteString(text)
	}

	if c.Request().Context().Err() != nil {
		return nil
	}

	s.persist(c.Request().Context(), signature, acc.String())
	return nil
}

// persist upserts the accumulated text unless no signature was supplied or
// the output opens with an error sentinel.
func (s *Server) persist(reqCtx context.Context, signature, text string) {
	if signature == "" || startsWithSentinel(text) {
		return
	}

	// The request context may be torn down as soon as the handler returns;
	// the save still has to finish.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), 10*time.Second)
	defer cancel()

	if err := s.store.Upsert(ctx, signature, text); err != nil {
		log.Error().Err(err).Str("signature", signature).Msg("failed to save alignment")
	}
}

// renderSentinel turns an in-band stream error into the client-visible
// sentinel line. This is the only place sentinel text is produced.
func renderSentinel(e *connectors.StreamError) string {
	if e.Kind == connectors.KindAPI {
		return "\n" + sentinelAPIError + " " + e.Message
	}
	return "\n" + sentinelServerError + " " + e.Message
}

func startsWithSentinel(text string) bool {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	return strings.HasPrefix(trimmed, sentinelAPIError) || strings.HasPrefix(trimmed, sentinelServerError)
}
