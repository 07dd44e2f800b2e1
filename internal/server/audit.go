package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

func (s *Server) ExportAudit(c echo.Context) error {
	recordID := c.Param("record_id")
	export, err := s.audit.Export(c.Request().Context(), recordID)
	if err != nil {
		return s.respondError(c, err, "Failed to export audit trail", log.Fields{"record_id": recordID})
	}
	if len(export.Entries) == 0 {
		return s.respondError(c, domain.ErrRecordNotFound, "", nil)
	}
	return c.JSON(http.StatusOK, export)
}

// VerifyAudit recomputes the chain over ?from=&to=. Both bounds are
// optional; an invalid chain halts the ledger.
func (s *Server) VerifyAudit(c echo.Context) error {
	var bounds [2]uint64
	for i, name := range []string{"from", "to"} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": name + " must be a sequence number",
			})
		}
		bounds[i] = v
	}

	v, err := s.audit.VerifyChain(c.Request().Context(), bounds[0], bounds[1])
	if err != nil {
		return s.respondError(c, err, "Failed to verify audit chain", nil)
	}
	if !v.Valid {
		return c.JSON(http.StatusConflict, v)
	}
	return c.JSON(http.StatusOK, v)
}
