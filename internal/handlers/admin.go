package handlers

import (
	"net/http"
	"path"
	"strconv"

	"bothost/internal/backup"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminListUsers returns a page of accounts.
func (h *Handler) AdminListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	users, total, err := h.Store.ListUsers(c.Request.Context(), limit, (page-1)*limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		StandardResponse: StandardResponse{Success: true, Data: users},
		Pagination:       newPagination(page, limit, total),
	})
}

// AdminSuspendUser blocks an account from logging in or calling the API.
// Only the owner may suspend admins and owners, and nobody may suspend
// themselves.
func (h *Handler) AdminSuspendUser(c *gin.Context) {
	h.setUserStatus(c, models.UserStatusSuspended, "user_suspend")
}

// AdminActivateUser lifts a suspension.
func (h *Handler) AdminActivateUser(c *gin.Context) {
	h.setUserStatus(c, models.UserStatusActive, "user_activate")
}

func (h *Handler) setUserStatus(c *gin.Context, status, action string) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	target, err := h.Store.GetUser(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if status == models.UserStatusSuspended {
		if target.ID == caller.UserID {
			fail(c, http.StatusBadRequest, "CANNOT_SUSPEND_SELF", "You cannot suspend your own account")
			return
		}
		if target.IsPrivileged() && caller.Role != models.RoleOwner {
			fail(c, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Only the owner can suspend admin or owner accounts")
			return
		}
	}

	if err := h.Store.SetUserStatus(ctx, id, status); err != nil {
		h.writeError(c, err)
		return
	}
	target.Status = status

	h.audit(c, caller.UserID, action, userTarget(id), "")
	h.logger.Info("user status changed",
		zap.Uint("user_id", id),
		zap.Uint("admin_id", caller.UserID),
		zap.String("status", status))

	respond(c, http.StatusOK, target)
}

// AdminListBots returns every bot on the platform.
func (h *Handler) AdminListBots(c *gin.Context) {
	list, err := h.Store.ListAllBots(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"bots": list, "total": len(list)})
}

// AdminAuditLog returns recent audit entries, optionally for one user.
func (h *Handler) AdminAuditLog(c *gin.Context) {
	var userID uint
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "INVALID_ID", "invalid user_id")
			return
		}
		userID = uint(id)
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	entries, err := h.Store.ListAudit(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}

// AdminListBackups lists the stored source backups of a bot.
func (h *Handler) AdminListBackups(c *gin.Context) {
	if h.Backups == nil {
		fail(c, http.StatusNotFound, "BACKUPS_DISABLED", "Source backups are not configured")
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	keys, err := h.Backups.List(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"bot_id": id, "backups": keys})
}

// AdminDownloadBackup returns one backup as the original upload.
func (h *Handler) AdminDownloadBackup(c *gin.Context) {
	if h.Backups == nil {
		fail(c, http.StatusNotFound, "BACKUPS_DISABLED", "Source backups are not configured")
		return
	}
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	name := c.Param("name")
	if name == "" || path.Base(name) != name {
		h.writeError(c, backup.ErrNotFound)
		return
	}

	key := "bots/" + strconv.FormatUint(uint64(id), 10) + "/" + name
	data, err := h.Backups.Open(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, caller.UserID, "backup_download", botTarget(id), name)

	c.Header("Content-Disposition", "attachment; filename=\""+backup.OriginalName(name)+"\"")
	c.Data(http.StatusOK, "application/octet-stream", data)
}
