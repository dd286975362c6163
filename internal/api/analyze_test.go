package api

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codealign/internal/alignstore"
	"github.com/codealign/internal/analysis"
	"github.com/codealign/internal/config"
	"github.com/codealign/internal/connectors"
	"github.com/codealign/internal/envelope"
)

// One keypair for the whole package; key generation is not what these tests
// exercise.
var testKeys = func() *envelope.Keypair {
	k, err := envelope.Generate()
	if err != nil {
		panic(err)
	}
	return k
}()

type factoryCall struct {
	kind     string
	provider connectors.Provider
	apiKey   string
	model    string
	baseURL  string
	endpoint string
}

// fakeFactory records route resolutions and plays back a scripted stream.
type fakeFactory struct {
	mu        sync.Mutex
	calls     []factoryCall
	requests  []connectors.Request
	chunks    []connectors.Chunk
	initErr   error
	afterSend func()
}

func (f *fakeFactory) Hosted(_ context.Context, p connectors.Provider, apiKey, model string) (connectors.Streamer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, factoryCall{kind: "hosted", provider: p, apiKey: apiKey, model: model})
	f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f, nil
}

func (f *fakeFactory) Ollama(_ context.Context, baseURL, model string) (connectors.Streamer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, factoryCall{kind: "ollama", provider: connectors.ProviderOllama, baseURL: baseURL, model: model})
	f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f, nil
}

func (f *fakeFactory) LlamaServer(endpoint string) (connectors.Streamer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, factoryCall{kind: "llama", provider: connectors.ProviderSrvLlama, endpoint: endpoint})
	f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f, nil
}

func (f *fakeFactory) Stream(_ context.Context, req connectors.Request) (<-chan connectors.Chunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	chunks := f.chunks
	after := f.afterSend
	f.mu.Unlock()

	out := make(chan connectors.Chunk)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			out <- chunk
		}
		if after != nil {
			after()
		}
	}()
	return out, nil
}

func (f *fakeFactory) recorded() []factoryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]factoryCall(nil), f.calls...)
}

func (f *fakeFactory) lastRequest(t *testing.T) connectors.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func textChunks(parts ...string) []connectors.Chunk {
	chunks := make([]connectors.Chunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, connectors.Chunk{Text: p})
	}
	return chunks
}

func newTestServer(t *testing.T, cfg *config.Config, f connectors.Factory) (*Server, *alignstore.Memory) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	store := alignstore.NewMemory()
	srv, err := NewServer(Deps{Config: cfg, Keys: testKeys, Factory: f, Store: store})
	require.NoError(t, err)
	return srv, store
}

// sealCredential performs the client side of the envelope protocol against
// the server's published public key.
func sealCredential(t *testing.T, keys *envelope.Keypair, credential string) (wrappedKey, iv, ciphertext string) {
	t.Helper()

	pemBytes, err := keys.PublicPEM()
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	pub, ok := parsed.(*rsa.PublicKey)
	require.True(t, ok)

	dek := make([]byte, 32)
	_, err = rand.Read(dek)
	require.NoError(t, err)

	aesBlock, err := aes.NewCipher(dek)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(aesBlock)
	require.NoError(t, err)

	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sealed := gcm.Seal(nil, nonce, []byte(credential), nil)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, nil)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(wrapped),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(sealed)
}

// cloudHeaders is the full strict-mode header set for a hosted route.
func cloudHeaders(provider string) map[string]string {
	return map[string]string{
		analysis.HeaderUseLocal:       "false",
		analysis.HeaderUseSnippet:     "false",
		analysis.HeaderLocalProvider:  "ollama",
		analysis.HeaderCloudProvider:  provider,
		analysis.HeaderAlignmentModel: "llama3.1",
		analysis.HeaderSnippetModel:   "qwen2.5-coder",
	}
}

func localHeaders(provider string, snippet bool) map[string]string {
	h := cloudHeaders("openai")
	h[analysis.HeaderUseLocal] = "true"
	h[analysis.HeaderLocalProvider] = provider
	h[analysis.HeaderLocalURL] = "http://127.0.0.1:11434"
	if snippet {
		h[analysis.HeaderUseSnippet] = "true"
	}
	return h
}

func withEnvelope(t *testing.T, h map[string]string, credential string) map[string]string {
	t.Helper()
	wrapped, iv, ciphertext := sealCredential(t, testKeys, credential)
	h[analysis.HeaderWrappedKey] = wrapped
	h[analysis.HeaderIV] = iv
	h[analysis.HeaderCipherKey] = ciphertext
	return h
}

func postAnalyze(srv *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

const analyzeBody = `{"code": "def handler(event):\n    return event", "context": "lambda entrypoint"}`

func TestAnalyzeMissingHeaderRejected(t *testing.T) {
	f := &fakeFactory{}
	srv, _ := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test")
	delete(h, analysis.HeaderSnippetModel)

	rec := postAnalyze(srv, analyzeBody, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incomplete headers")
	assert.Empty(t, f.recorded())
}

func TestAnalyzeInvalidFlagRejected(t *testing.T) {
	f := &fakeFactory{}
	srv, _ := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test")
	h[analysis.HeaderUseLocal] = "yes"

	rec := postAnalyze(srv, analyzeBody, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "One or more invalid headers!")
}

func TestAnalyzeUnknownProviderRejected(t *testing.T) {
	f := &fakeFactory{}
	srv, _ := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("mistral"), "sk-test")

	rec := postAnalyze(srv, analyzeBody, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "One or more invalid headers!")
}

func TestAnalyzeInvalidBodyRejected(t *testing.T) {
	f := &fakeFactory{}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, `{"context": "no code"}`, withEnvelope(t, cloudHeaders("openai"), "sk-test"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeStreamsAndPersists(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("The function ", "looks ", "correct.")}
	srv, store := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test-123")
	h[analysis.HeaderSignature] = "sig-abc"

	rec := postAnalyze(srv, analyzeBody, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
	assert.Equal(t, "The function looks correct.", rec.Body.String())

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "hosted", calls[0].kind)
	assert.Equal(t, connectors.ProviderOpenAI, calls[0].provider)
	assert.Equal(t, "sk-test-123", calls[0].apiKey, "credential must round-trip through the envelope")
	assert.Equal(t, "gpt-4o", calls[0].model)

	saved, err := store.Get(context.Background(), "sig-abc")
	require.NoError(t, err)
	assert.Equal(t, "The function looks correct.", saved.Text)
}

func TestAnalyzeNoSignatureNotSaved(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("output")}
	srv, store := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, withEnvelope(t, cloudHeaders("openai"), "sk-test"))
	require.Equal(t, http.StatusOK, rec.Code)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAnalyzeSentinelSuppressesPersistence(t *testing.T) {
	f := &fakeFactory{chunks: []connectors.Chunk{
		{Err: &connectors.StreamError{Kind: connectors.KindAPI, Message: "Insufficient credits"}},
	}}
	srv, store := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("claude"), "sk-test")
	h[analysis.HeaderSignature] = "sig-err"

	rec := postAnalyze(srv, analyzeBody, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\n[API_ERROR] Insufficient credits", rec.Body.String())

	_, err := store.Get(context.Background(), "sig-err")
	assert.ErrorIs(t, err, alignstore.ErrNotFound)
}

func TestAnalyzeMidStreamErrorStillPersisted(t *testing.T) {
	f := &fakeFactory{chunks: []connectors.Chunk{
		{Text: "Half the answer."},
		{Err: &connectors.StreamError{Kind: connectors.KindServer, Message: "upstream closed"}},
	}}
	srv, store := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test")
	h[analysis.HeaderSignature] = "sig-partial"

	rec := postAnalyze(srv, analyzeBody, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Half the answer.\n[SERVER_ERROR] upstream closed", rec.Body.String())

	// Output that merely ends in a sentinel is still real output.
	saved, err := store.Get(context.Background(), "sig-partial")
	require.NoError(t, err)
	assert.Equal(t, "Half the answer.\n[SERVER_ERROR] upstream closed", saved.Text)
}

func TestAnalyzeClientDisconnectForfeitsCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFactory{chunks: textChunks("partial output"), afterSend: cancel}
	srv, store := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test")
	h[analysis.HeaderSignature] = "sig-gone"

	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(analyzeBody)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range h {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	_, err := store.Get(context.Background(), "sig-gone")
	assert.ErrorIs(t, err, alignstore.ErrNotFound)
}

func TestAnalyzeFailedEnvelopeReturns503(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("never sent")}
	srv, _ := newTestServer(t, nil, f)

	t.Run("garbage envelope", func(t *testing.T) {
		h := cloudHeaders("openai")
		h[analysis.HeaderWrappedKey] = "!!! not base64 !!!"
		h[analysis.HeaderIV] = "AAAA"
		h[analysis.HeaderCipherKey] = "AAAA"

		rec := postAnalyze(srv, analyzeBody, h)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "OpenAI client is not initialized")
		assert.Empty(t, f.recorded(), "no provider call may happen without a credential")
	})

	t.Run("missing envelope outside demo mode", func(t *testing.T) {
		rec := postAnalyze(srv, analyzeBody, cloudHeaders("claude"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "Claude client is not initialized")
	})
}

func TestAnalyzeDemoMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Demo.Enabled = true
	cfg.Demo.APIKey = "sk-demo-key"

	f := &fakeFactory{chunks: textChunks("demo answer")}
	srv, _ := newTestServer(t, cfg, f)

	// Only the provider choice is required when no envelope is present.
	rec := postAnalyze(srv, analyzeBody, map[string]string{
		analysis.HeaderCloudProvider: "claude",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "demo answer", rec.Body.String())

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, connectors.ProviderClaude, calls[0].provider)
	assert.Equal(t, "sk-demo-key", calls[0].apiKey, "demo requests run on the server-side credential")
	assert.Equal(t, "claude-3-5-sonnet-20240620", calls[0].model)
}

func TestAnalyzeDemoModeStillValidatesProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Demo.Enabled = true
	cfg.Demo.APIKey = "sk-demo-key"

	srv, _ := newTestServer(t, cfg, &fakeFactory{})

	rec := postAnalyze(srv, analyzeBody, map[string]string{
		analysis.HeaderCloudProvider: "not-a-provider",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "One or more invalid headers!")
}

func TestAnalyzeEnvelopePresentIgnoresDemoMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Demo.Enabled = true
	cfg.Demo.APIKey = "sk-demo-key"

	f := &fakeFactory{chunks: textChunks("own key answer")}
	srv, _ := newTestServer(t, cfg, f)

	rec := postAnalyze(srv, analyzeBody, withEnvelope(t, cloudHeaders("openai"), "sk-own-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "sk-own-key", calls[0].apiKey, "a supplied envelope always wins over the demo credential")
}

func TestAnalyzeGrokRoute(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("grok says hi")}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, withEnvelope(t, cloudHeaders("grok"), "xai-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, connectors.ProviderGrok, calls[0].provider)
	assert.Equal(t, "grok-beta", calls[0].model)
}

func TestAnalyzeSnippetModelSelection(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("ok")}
	srv, _ := newTestServer(t, nil, f)

	h := withEnvelope(t, cloudHeaders("openai"), "sk-test")
	h[analysis.HeaderUseSnippet] = "true"

	rec := postAnalyze(srv, analyzeBody, h)
	require.Equal(t, http.StatusOK, rec.Code)

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o-mini", calls[0].model)

	req := f.lastRequest(t)
	assert.Equal(t, analysis.SystemPromptSnippet, req.System)
}

func TestAnalyzeOllamaRoute(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("local answer")}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, localHeaders("ollama", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local answer", rec.Body.String())

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "ollama", calls[0].kind)
	assert.Equal(t, "http://127.0.0.1:11434", calls[0].baseURL)
	assert.Equal(t, "llama3.1", calls[0].model, "alignment mode runs the alignment model")

	req := f.lastRequest(t)
	assert.Equal(t, analysis.SystemPrompt(false), req.System)
}

func TestAnalyzeOllamaSnippetModel(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("ok")}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, localHeaders("ollama", true))
	require.Equal(t, http.StatusOK, rec.Code)

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "qwen2.5-coder", calls[0].model)
}

func TestAnalyzeOllamaModelUnavailable(t *testing.T) {
	f := &fakeFactory{initErr: connectors.ErrModelUnavailable}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, localHeaders("ollama", false))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unavailable model")
}

func TestAnalyzeOllamaUnreachable(t *testing.T) {
	f := &fakeFactory{initErr: connectors.ErrClientInit}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, localHeaders("ollama", false))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ollama client is not initialized")
}

func TestAnalyzeSrvLlamaSnippetRoute(t *testing.T) {
	f := &fakeFactory{chunks: textChunks("snippet verdict")}
	srv, _ := newTestServer(t, nil, f)

	h := localHeaders("srvllama", true)
	h[analysis.HeaderLocalURL] = "http://127.0.0.1:8080"

	rec := postAnalyze(srv, analyzeBody, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "snippet verdict", rec.Body.String())

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "llama", calls[0].kind)
	assert.Equal(t, "http://127.0.0.1:8080", calls[0].endpoint)

	req := f.lastRequest(t)
	assert.Equal(t, analysis.SystemPromptSnippet, req.System)
	assert.Contains(t, req.User, "def handler(event)")
}

func TestAnalyzeSrvLlamaRequiresSnippetMode(t *testing.T) {
	f := &fakeFactory{}
	srv, _ := newTestServer(t, nil, f)

	rec := postAnalyze(srv, analyzeBody, localHeaders("srvllama", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incomplete headers")
	assert.Empty(t, f.recorded())
}
