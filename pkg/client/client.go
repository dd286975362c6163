// Package client is a Go client for the CodeAlign analysis API.
//
// It implements the caller's side of the credential envelope protocol:
// fetch the server's RSA public key, seal the provider credential under a
// one-time AES-256-GCM data key, wrap that key with RSA-OAEP, and send all
// three parts as headers on the streaming analyze call.
package client

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codealign/internal/analysis"
)

// Client talks to one CodeAlign server. The zero HTTPClient has no timeout
// because analyze responses stream for as long as the model generates; bound
// calls with a context instead.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// PublicKey fetches and parses the server's envelope wrapping key.
func (c *Client) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/.well-known/rsa-key", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key request failed with status %d: %s", resp.StatusCode, body)
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, errors.New("server did not return a PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("server key is not RSA")
	}
	return pub, nil
}

// Envelope is a sealed credential ready to travel as request headers.
type Envelope struct {
	WrappedKey string
	IV         string
	Ciphertext string
}

// Seal encrypts a credential for the server holding the private half of pub.
// Every call uses a fresh data key and nonce.
func Seal(pub *rsa.PublicKey, credential string) (Envelope, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return Envelope{}, err
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return Envelope{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}

	sealed := gcm.Seal(nil, nonce, []byte(credential), nil)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap data key: %w", err)
	}

	return Envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// AnalyzeRequest describes one analysis call.
//
// With an Envelope set the server validates the full routing header set, so
// all four provider and model fields are required. Without one the request
// rides the server's demo credential (when enabled) and only the fields for
// the chosen route are needed.
type AnalyzeRequest struct {
	Code    string
	Context string

	UseLocal bool
	Snippet  bool

	LocalProvider  string // "ollama" or "srvllama"
	CloudProvider  string // "openai", "claude", "gemini", or "grok"
	LocalURL       string
	AlignmentModel string
	SnippetModel   string

	// Signature keys server-side persistence of the result. Leave empty to
	// keep the response ephemeral.
	Signature string

	Envelope *Envelope
}

func (r *AnalyzeRequest) headers() (http.Header, error) {
	h := http.Header{}
	flag := func(b bool) string {
		if b {
			return "true"
		}
		return "false"
	}

	if r.Envelope != nil {
		for _, field := range []struct{ name, value string }{
			{"LocalProvider", r.LocalProvider},
			{"CloudProvider", r.CloudProvider},
			{"AlignmentModel", r.AlignmentModel},
			{"SnippetModel", r.SnippetModel},
		} {
			if field.value == "" {
				return nil, fmt.Errorf("%s is required when sending a sealed credential", field.name)
			}
		}
		h.Set(analysis.HeaderUseLocal, flag(r.UseLocal))
		h.Set(analysis.HeaderUseSnippet, flag(r.Snippet))
		h.Set(analysis.HeaderLocalProvider, r.LocalProvider)
		h.Set(analysis.HeaderCloudProvider, r.CloudProvider)
		h.Set(analysis.HeaderAlignmentModel, r.AlignmentModel)
		h.Set(analysis.HeaderSnippetModel, r.SnippetModel)
		h.Set(analysis.HeaderWrappedKey, r.Envelope.WrappedKey)
		h.Set(analysis.HeaderIV, r.Envelope.IV)
		h.Set(analysis.HeaderCipherKey, r.Envelope.Ciphertext)
	} else {
		// Demo path: only the route choice travels.
		if r.UseLocal {
			h.Set(analysis.HeaderUseLocal, "true")
			h.Set(analysis.HeaderLocalProvider, r.LocalProvider)
		} else if r.CloudProvider != "" {
			h.Set(analysis.HeaderCloudProvider, r.CloudProvider)
		}
		if r.Snippet {
			h.Set(analysis.HeaderUseSnippet, "true")
		}
		if r.AlignmentModel != "" {
			h.Set(analysis.HeaderAlignmentModel, r.AlignmentModel)
		}
		if r.SnippetModel != "" {
			h.Set(analysis.HeaderSnippetModel, r.SnippetModel)
		}
	}

	if r.LocalURL != "" {
		h.Set(analysis.HeaderLocalURL, r.LocalURL)
	}
	if r.Signature != "" {
		h.Set(analysis.HeaderSignature, r.Signature)
	}
	return h, nil
}

// Analyze starts one analysis and returns the live output stream. The caller
// must close it. Provider errors that occur mid-generation arrive in-band as
// lines beginning with [API_ERROR] or [SERVER_ERROR].
func (c *Client) Analyze(ctx context.Context, r AnalyzeRequest) (io.ReadCloser, error) {
	if r.Code == "" {
		return nil, errors.New("Code is required")
	}
	headers, err := r.headers()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{
		"code":    r.Code,
		"context": r.Context,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("analysis request failed with status %d: %s", resp.StatusCode, detail)
	}
	return resp.Body, nil
}

// AnalyzeText runs Analyze and drains the whole stream into one string.
func (c *Client) AnalyzeText(ctx context.Context, r AnalyzeRequest) (string, error) {
	stream, err := c.Analyze(ctx, r)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Alignment is one persisted analysis result.
type Alignment struct {
	Signature string `json:"signature"`
	Text      string `json:"alignment_text"`
	UpdatedAt string `json:"updated_at"`
}

// Alignment fetches a stored result by snippet signature.
func (c *Client) Alignment(ctx context.Context, signature string) (Alignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/alignments/"+signature, nil)
	if err != nil {
		return Alignment{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Alignment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Alignment{}, fmt.Errorf("alignment request failed with status %d: %s", resp.StatusCode, detail)
	}

	var a Alignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Alignment{}, err
	}
	return a, nil
}
