package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/labstack/echo/v4"
)

//go:embed openapi.json
var openapiDoc []byte

// serviceInfo is the identity block lifted from the API document.
type serviceInfo struct {
	Title   string
	Version string
}

// loadOpenAPIDoc parses and validates the embedded API document so a broken
// contract fails server startup instead of surfacing to clients.
func loadOpenAPIDoc() (serviceInfo, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDoc)
	if err != nil {
		return serviceInfo{}, fmt.Errorf("parse openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return serviceInfo{}, fmt.Errorf("validate openapi document: %w", err)
	}
	return serviceInfo{Title: doc.Info.Title, Version: doc.Info.Version}, nil
}

func (s *Server) serveOpenAPIDoc(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, openapiDoc)
}
