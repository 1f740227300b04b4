package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
)

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func errorEnvelope(code, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	}
}

// respondError maps the application error taxonomy onto HTTP statuses.
// Unclassified errors become opaque 500s so storage details never leak.
func respondError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, errorEnvelope(string(apperr.KindValidation), err.Error()))
	case apperr.KindAuthorization:
		c.JSON(http.StatusForbidden, errorEnvelope(string(apperr.KindAuthorization), err.Error()))
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, errorEnvelope(string(apperr.KindNotFound), err.Error()))
	case apperr.KindConflict:
		c.JSON(http.StatusConflict, errorEnvelope(string(apperr.KindConflict), err.Error()))
	case apperr.KindTransient:
		c.JSON(http.StatusServiceUnavailable, errorEnvelope(string(apperr.KindTransient), "storage temporarily unavailable"))
	default:
		c.JSON(http.StatusInternalServerError, errorEnvelope("internal_error", "internal server error"))
	}
}
