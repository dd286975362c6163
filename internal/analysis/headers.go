package analysis

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/codealign/internal/connectors"
)

// Header names recognized on the analyze endpoint. Everything that steers
// dispatch travels in headers; the body carries only the code under review.
const (
	HeaderUseLocal       = "x-use-local-provider"
	HeaderUseSnippet     = "x-use-snippet-model"
	HeaderLocalProvider  = "x-default-local-provider"
	HeaderCloudProvider  = "x-default-cloud-provider"
	HeaderLocalURL       = "x-local-url"
	HeaderSnippetModel   = "x-local-snippet-model"
	HeaderAlignmentModel = "x-local-alignment-model"
	HeaderCipherKey      = "x-cloud-api-key"
	HeaderWrappedKey     = "x-cloud-encrypted-key"
	HeaderIV             = "x-cloud-iv"
	HeaderSignature      = "x-snippet-signature"
)

var (
	// ErrIncompleteHeaders: a required routing header is absent.
	ErrIncompleteHeaders = errors.New("incomplete headers")
	// ErrInvalidFlag: a boolean header carried something other than the
	// literal "true" or "false". Unrecognized values are rejected rather
	// than silently treated as unset.
	ErrInvalidFlag = errors.New("invalid boolean header")
)

// Directives is the parsed routing decision for one analyze call.
type Directives struct {
	UseLocal   bool
	UseSnippet bool

	LocalProvider connectors.Provider
	CloudProvider connectors.Provider

	LocalURL       string
	SnippetModel   string
	AlignmentModel string

	// Credential envelope, still sealed.
	CipherKey  string
	WrappedKey string
	IV         string

	Signature string

	// Demo is set when demo mode is active and the caller sent no envelope:
	// the server-side credential substitutes for the client's.
	Demo bool
}

// requiredHeaders must all be present on the strict (non-demo) path. The
// envelope headers are not in this set; their absence surfaces later as a
// failed credential.
var requiredHeaders = []string{
	HeaderUseLocal,
	HeaderUseSnippet,
	HeaderCloudProvider,
	HeaderLocalProvider,
	HeaderAlignmentModel,
	HeaderSnippetModel,
}

// ParseDirectives validates and resolves the routing headers. demoAllowed
// reflects server configuration; when it is set and the caller supplied none
// of the three envelope headers, validation relaxes to just the headers the
// chosen route needs.
func ParseDirectives(h http.Header, demoAllowed bool) (*Directives, error) {
	d := &Directives{
		LocalURL:       h.Get(HeaderLocalURL),
		SnippetModel:   h.Get(HeaderSnippetModel),
		AlignmentModel: h.Get(HeaderAlignmentModel),
		CipherKey:      h.Get(HeaderCipherKey),
		WrappedKey:     h.Get(HeaderWrappedKey),
		IV:             h.Get(HeaderIV),
		Signature:      h.Get(HeaderSignature),
	}

	envelopeless := d.CipherKey == "" && d.WrappedKey == "" && d.IV == ""
	if demoAllowed && envelopeless {
		return parseDemo(h, d)
	}

	for _, name := range requiredHeaders {
		if h.Get(name) == "" {
			return nil, ErrIncompleteHeaders
		}
	}

	var err error
	if d.UseLocal, err = parseFlag(h.Get(HeaderUseLocal)); err != nil {
		return nil, err
	}
	if d.UseSnippet, err = parseFlag(h.Get(HeaderUseSnippet)); err != nil {
		return nil, err
	}
	if d.LocalProvider, err = connectors.ParseLocal(h.Get(HeaderLocalProvider)); err != nil {
		return nil, err
	}
	if d.CloudProvider, err = connectors.ParseCloud(h.Get(HeaderCloudProvider)); err != nil {
		return nil, err
	}
	return d, nil
}

// parseDemo handles the credential-less demo path: only the headers that
// actually steer the chosen route are required.
func parseDemo(h http.Header, d *Directives) (*Directives, error) {
	d.Demo = true

	var err error
	if d.UseLocal, err = parseOptionalFlag(h.Get(HeaderUseLocal)); err != nil {
		return nil, err
	}
	if d.UseSnippet, err = parseOptionalFlag(h.Get(HeaderUseSnippet)); err != nil {
		return nil, err
	}

	if d.UseLocal {
		if d.LocalProvider, err = connectors.ParseLocal(h.Get(HeaderLocalProvider)); err != nil {
			return nil, err
		}
	} else {
		if d.CloudProvider, err = connectors.ParseCloud(h.Get(HeaderCloudProvider)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Provider returns the backend this request routes to.
func (d *Directives) Provider() connectors.Provider {
	if d.UseLocal {
		return d.LocalProvider
	}
	return d.CloudProvider
}

// LocalModel resolves which caller-supplied model a local backend should
// run, by mode.
func (d *Directives) LocalModel() string {
	if d.UseSnippet {
		return d.SnippetModel
	}
	return d.AlignmentModel
}

func parseFlag(v string) (bool, error) {
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidFlag, v)
	}
}

// parseOptionalFlag treats absence as false; anything present must still be
// a recognized literal.
func parseOptionalFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return parseFlag(v)
}
