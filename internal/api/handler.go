package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/schema"
	"snackloader-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	coord     *feeding.Coordinator
	validator *schema.Validator
	webpush   *webpush.Options
	log       zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, coord *feeding.Coordinator, webpushOptions *webpush.Options, logger zerolog.Logger) *Handler {
	return &Handler{
		store:     s,
		coord:     coord,
		validator: schema.NewValidator(),
		webpush:   webpushOptions,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// deviceID is the device a request addresses: the :id path segment, or the
// default device injected by withDevice on the single-device mount.
func deviceID(c *gin.Context) string {
	return c.Param("id")
}

// withDevice pins every request of a group to one device id.
func withDevice(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Params = append(c.Params, gin.Param{Key: "id", Value: id})
		c.Next()
	}
}
