package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/schema"
)

var errInvalidRequest = gin.H{"error": "invalid request"}

// respondError writes the JSON error body for err. Storage failures are
// logged in full and reported with a generic message.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, feeding.ErrConflict):
		// "cat feeder active" or "dog feeder active"
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, feeding.ErrValidation), errors.Is(err, schema.ErrInvalid):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, feeding.ErrAlreadyExists):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": feeding.ErrAlreadyExists.Error()})
	case errors.Is(err, feeding.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
	default:
		_ = c.Error(err)
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal storage error"})
	}
}
