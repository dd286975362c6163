package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// serveRSAPublicKey publishes the envelope wrapping key. Clients fetch this
// PEM to seal credentials before calling /analyze.
func (s *Server) serveRSAPublicKey(c echo.Context) error {
	pem, err := s.keys.PublicPEM()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "public key unavailable")
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", pem)
}
