package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"bothost/internal/bots"
	"bothost/internal/logstream"
	"bothost/internal/storage"

	"github.com/gin-gonic/gin"
)

// maxStopGrace caps the grace period a client may ask for.
const maxStopGrace = 60 * time.Second

// multipartOverhead is allowed on top of MaxUploadBytes for form framing.
const multipartOverhead = 1 << 20

// ListRuntimes lists the runtimes bots can be created with.
func (h *Handler) ListRuntimes(c *gin.Context) {
	respond(c, http.StatusOK, h.Bots.Registry().All())
}

// CreateBot registers a new bot for the caller.
func (h *Handler) CreateBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	var req bots.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "name and runtime are required")
		return
	}

	bot, err := h.Bots.Create(c.Request.Context(), caller, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_create", botTarget(bot.ID), bot.Runtime)
	respond(c, http.StatusCreated, bot)
}

// ListBots returns the caller's bots.
func (h *Handler) ListBots(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	list, err := h.Bots.List(c.Request.Context(), caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"bots": list, "total": len(list)})
}

// GetBot returns one bot.
func (h *Handler) GetBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	bot, err := h.Bots.Get(c.Request.Context(), caller, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, bot)
}

// UploadCode stores the multipart "file" field as the bot's code.
func (h *Handler) UploadCode(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartOverhead)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, storage.ErrFileTooLarge)
			return
		}
		fail(c, http.StatusBadRequest, "MISSING_FILE", "multipart field \"file\" is required")
		return
	}
	if header.Size > h.MaxUploadBytes {
		h.writeError(c, fmt.Errorf("%w: %d bytes exceeds %d", storage.ErrFileTooLarge, header.Size, h.MaxUploadBytes))
		return
	}

	f, err := header.Open()
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, h.MaxUploadBytes+1))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if int64(len(content)) > h.MaxUploadBytes {
		h.writeError(c, storage.ErrFileTooLarge)
		return
	}

	bot, err := h.Bots.Upload(c.Request.Context(), caller, id, header.Filename, content)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_upload", botTarget(id), header.Filename)
	respond(c, http.StatusOK, bot)
}

// StartBot starts a bot, building its image first when needed.
func (h *Handler) StartBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	bot, err := h.Bots.Start(c.Request.Context(), caller, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_start", botTarget(id), "")
	respond(c, http.StatusOK, bot)
}

// StopBot stops a running bot. The optional "grace" query parameter is the
// SIGTERM grace period in seconds.
func (h *Handler) StopBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var grace time.Duration
	if raw := c.Query("grace"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			fail(c, http.StatusBadRequest, "INVALID_GRACE", "grace must be a non-negative number of seconds")
			return
		}
		grace = time.Duration(secs) * time.Second
		if grace > maxStopGrace {
			grace = maxStopGrace
		}
	}

	bot, err := h.Bots.Stop(c.Request.Context(), caller, id, grace)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_stop", botTarget(id), "")
	respond(c, http.StatusOK, bot)
}

// RestartBot stops and starts a bot as one step.
func (h *Handler) RestartBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	bot, err := h.Bots.Restart(c.Request.Context(), caller, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_restart", botTarget(id), "")
	respond(c, http.StatusOK, bot)
}

// DeleteBot removes a bot, its container and its code.
func (h *Handler) DeleteBot(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.Bots.Delete(c.Request.Context(), caller, id); err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "bot_delete", botTarget(id), "")
	c.Status(http.StatusNoContent)
}

// GetLogs returns the last "tail" lines of the bot's output.
func (h *Handler) GetLogs(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	tail := logstream.DefaultBacklog
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "INVALID_TAIL", "tail must be a positive integer")
			return
		}
		tail = n
	}

	text, err := h.Logs.Tail(c.Request.Context(), caller, id, tail)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"bot_id": id, "logs": text})
}
