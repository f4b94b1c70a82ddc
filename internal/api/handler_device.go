package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/model"
	"snackloader-backend/internal/mw"
)

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	OwnerID    string `json:"ownerId"`
	OwnerEmail string `json:"ownerEmail"`
}

// RegisterDevice handles POST /api/devices. With auth enabled the owner
// defaults to the caller.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}
	if claims, ok := mw.Claims(c); ok {
		if req.OwnerID == "" {
			req.OwnerID = claims.UID()
		}
		if req.OwnerEmail == "" {
			req.OwnerEmail = claims.Email
		}
	}

	d, err := h.coord.RegisterDevice(c.Request.Context(), feeding.Registration{
		DeviceID:   req.DeviceID,
		OwnerID:    req.OwnerID,
		OwnerEmail: req.OwnerEmail,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "device_registered", "deviceId": d.ID})
}

// ListDevices handles GET /api/devices. The caller's own devices are listed;
// without auth the owner comes from ?ownerId.
func (h *Handler) ListDevices(c *gin.Context) {
	ownerID := c.Query("ownerId")
	if claims, ok := mw.Claims(c); ok {
		ownerID = claims.UID()
	}

	devices, err := h.coord.ListDevices(c.Request.Context(), ownerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]model.DeviceView, 0, len(devices))
	for i := range devices {
		views = append(views, devices[i].View())
	}
	c.JSON(http.StatusOK, views)
}

// GetStatus returns the device status document.
func (h *Handler) GetStatus(c *gin.Context) {
	d, err := h.coord.GetOrCreateDevice(c.Request.Context(), deviceID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d.View())
}

type petSettingsRequest struct {
	Schedule      *[]model.ScheduleEntry `json:"schedule"`
	DefaultAmount *float64               `json:"defaultAmount"`
	LidState      model.LidState         `json:"lidState"`
}

type settingsRequest struct {
	Cat             *petSettingsRequest `json:"cat"`
	Dog             *petSettingsRequest `json:"dog"`
	AutoFeedEnabled *bool               `json:"autoFeedEnabled"`
}

func (r settingsRequest) toSettings() feeding.Settings {
	s := feeding.Settings{
		Pets:            make(map[model.Pet]model.PetSettings, 2),
		AutoFeedEnabled: r.AutoFeedEnabled,
	}
	for p, ps := range map[model.Pet]*petSettingsRequest{model.PetCat: r.Cat, model.PetDog: r.Dog} {
		if ps == nil {
			continue
		}
		s.Pets[p] = model.PetSettings{
			Schedule:      ps.Schedule,
			DefaultAmount: ps.DefaultAmount,
			LidState:      ps.LidState,
		}
	}
	return s
}

// UpdateSettings merges schedules and per-pet defaults into the stored ones.
// The body is checked against the settings schema before it is decoded.
func (h *Handler) UpdateSettings(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}
	if err := h.validator.ValidateSettings(body); err != nil {
		h.respondError(c, err)
		return
	}

	var req settingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}

	if _, err := h.coord.UpdateSettings(c.Request.Context(), deviceID(c), req.toSettings()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "settings_saved"})
}

// limitParam reads ?limit. Missing or malformed values mean the default.
func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// GetTelemetry returns recent telemetry samples, newest first.
func (h *Handler) GetTelemetry(c *gin.Context) {
	samples, err := h.coord.TelemetryHistory(c.Request.Context(), deviceID(c), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

type telemetryRequest struct {
	BowlWeight  *float64 `json:"bowlWeight"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	PetDetected bool     `json:"petDetected"`
}

// PostTelemetry records a sensor report from the device.
func (h *Handler) PostTelemetry(c *gin.Context) {
	var req telemetryRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}

	err := h.coord.RecordTelemetry(c.Request.Context(), deviceID(c), feeding.Telemetry{
		BowlWeight:  req.BowlWeight,
		Temperature: req.Temperature,
		Humidity:    req.Humidity,
		PetDetected: req.PetDetected,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "telemetry_saved"})
}

// Heartbeat marks the device online.
func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.coord.RecordHeartbeat(c.Request.Context(), deviceID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
