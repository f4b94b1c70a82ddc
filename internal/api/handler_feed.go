package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/model"
)

// bindOptionalJSON decodes the body into obj; an empty body leaves obj as is.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type feedRequest struct {
	Amount *float64 `json:"amount"`
}

// FeedCat handles POST .../feed-cat.
func (h *Handler) FeedCat(c *gin.Context) {
	h.requestFeed(c, model.PetCat)
}

// FeedDog handles POST .../feed-dog.
func (h *Handler) FeedDog(c *gin.Context) {
	h.requestFeed(c, model.PetDog)
}

func (h *Handler) requestFeed(c *gin.Context, pet model.Pet) {
	var req feedRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}

	cmd, err := h.coord.RequestFeed(c.Request.Context(), deviceID(c), pet, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": string(pet) + "_manual_feed_queued",
		"cmdId":  cmd.ID,
	})
}

// GetCommands is polled by the device for its pending commands, oldest first.
func (h *Handler) GetCommands(c *gin.Context) {
	cmds, err := h.coord.PollPendingCommands(c.Request.Context(), deviceID(c), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmds)
}

// MarkCommandProcessed acknowledges a command. Repeated calls succeed.
func (h *Handler) MarkCommandProcessed(c *gin.Context) {
	err := h.coord.AcknowledgeCommand(c.Request.Context(), deviceID(c), c.Param("cmdId"))
	if errors.Is(err, feeding.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

type feedLogRequest struct {
	Pet    string   `json:"pet"`
	Amount *float64 `json:"amount"`
	Source string   `json:"source"`
}

// LogFeeding is called by the device after it dispensed food.
func (h *Handler) LogFeeding(c *gin.Context) {
	var req feedLogRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, errInvalidRequest)
		return
	}

	err := h.coord.LogFeedingCompletion(c.Request.Context(), deviceID(c), feeding.Completion{
		Pet:    model.Pet(req.Pet),
		Amount: req.Amount,
		Source: req.Source,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "feed_logged"})
}

// GetFeedLogs returns completed feedings, newest first.
func (h *Handler) GetFeedLogs(c *gin.Context) {
	logs, err := h.coord.FeedLogs(c.Request.Context(), deviceID(c), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
