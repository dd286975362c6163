package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codealign/internal/alignstore"
)

// listAlignments returns every stored alignment as a flat
// signature-to-text map.
func (s *Server) listAlignments(c echo.Context) error {
	all, err := s.store.All(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, all)
}

func (s *Server) getAlignment(c echo.Context) error {
	signature := c.Param("signature")

	a, err := s.store.Get(c.Request().Context(), signature)
	if errors.Is(err, alignstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Alignment not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"signature":      a.Signature,
		"alignment_text": a.Text,
		"updated_at":     a.UpdatedAt,
	})
}
