package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"snackloader-backend/internal/feeding"
)

type petDetectedRequest struct {
	Pet        string   `json:"pet"`
	Confidence *float64 `json:"confidence"`
}

// PetDetected stores a detection reported by the camera unit.
func (h *Handler) PetDetected(c *gin.Context) {
	var req petDetectedRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}

	err := h.coord.RecordPetDetection(c.Request.Context(), deviceID(c), feeding.Detection{
		Pet:        req.Pet,
		Confidence: req.Confidence,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "detection_saved"})
}

type cameraRequest struct {
	TurnOn *bool `json:"turnOn" binding:"required"`
}

// SetCamera switches the camera on or off.
func (h *Handler) SetCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "turnOn required"})
		return
	}

	if err := h.coord.SetCamera(c.Request.Context(), deviceID(c), *req.TurnOn); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "camera_updated", "turnOn": *req.TurnOn})
}

// GetCameraCommand is polled by the camera for its on/off flag.
func (h *Handler) GetCameraCommand(c *gin.Context) {
	state, err := h.coord.CameraState(c.Request.Context(), deviceID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turnOn": state.TurnOn})
}
