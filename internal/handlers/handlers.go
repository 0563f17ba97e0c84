// bothost API Handlers
// REST and websocket handlers for accounts, bots and administration

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bothost/internal/auth"
	"bothost/internal/backup"
	"bothost/internal/bots"
	"bothost/internal/db"
	"bothost/internal/engine"
	"bothost/internal/logging"
	"bothost/internal/logstream"
	"bothost/internal/runtimes"
	"bothost/internal/storage"
	"bothost/internal/validation"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains all the dependencies for API handlers
type Handler struct {
	Bots    *bots.Service
	Auth    *auth.AuthService
	Store   *db.Store
	Logs    *logstream.Gateway
	Backups *backup.Manager // nil when backups are disabled

	Database *db.Database
	Engine   Pinger

	MaxUploadBytes int64
	AllowedOrigins []string

	logger *zap.Logger
}

// Dependencies are the services a Handler is built from.
type Dependencies struct {
	Bots     *bots.Service
	Auth     *auth.AuthService
	Store    *db.Store
	Logs     *logstream.Gateway
	Backups  *backup.Manager
	Database *db.Database
	Engine   Pinger

	MaxUploadBytes int64
	AllowedOrigins []string
	Logger         *zap.Logger
}

// DefaultMaxUploadBytes bounds request bodies on the upload endpoint.
const DefaultMaxUploadBytes = 50 << 20

// NewHandler creates a new handler instance
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{
		Bots:           deps.Bots,
		Auth:           deps.Auth,
		Store:          deps.Store,
		Logs:           deps.Logs,
		Backups:        deps.Backups,
		Database:       deps.Database,
		Engine:         deps.Engine,
		MaxUploadBytes: deps.MaxUploadBytes,
		AllowedOrigins: deps.AllowedOrigins,
		logger:         deps.Logger,
	}
	if h.MaxUploadBytes <= 0 {
		h.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if h.logger == nil {
		h.logger = logging.L()
	}
	return h
}

// StandardResponse represents a standard API response
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	StandardResponse
	Pagination *PaginationInfo `json:"pagination,omitempty"`
}

// PaginationInfo contains pagination metadata
type PaginationInfo struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

func newPagination(page, limit int, total int64) *PaginationInfo {
	pages := int((total + int64(limit) - 1) / int64(limit))
	return &PaginationInfo{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, StandardResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, StandardResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// errorStatus maps a service error onto an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, validation.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, runtimes.ErrUnknownRuntime):
		return http.StatusBadRequest, "UNSUPPORTED_RUNTIME"
	case errors.Is(err, storage.ErrUnsupportedExtension):
		return http.StatusBadRequest, "UNSUPPORTED_EXTENSION"
	case errors.Is(err, storage.ErrInvalidArchive):
		return http.StatusBadRequest, "INVALID_ARCHIVE"
	case errors.Is(err, storage.ErrInvalidPath):
		return http.StatusBadRequest, "INVALID_PATH"
	case errors.Is(err, storage.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"
	case errors.Is(err, storage.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge, "ARCHIVE_TOO_LARGE"

	case errors.Is(err, auth.ErrInvalidEmail):
		return http.StatusBadRequest, "INVALID_EMAIL"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "WEAK_PASSWORD"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, auth.ErrAccountSuspended):
		return http.StatusForbidden, "ACCOUNT_SUSPENDED"
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "USER_EXISTS"
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "USER_NOT_FOUND"

	case errors.Is(err, bots.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, bots.ErrNotFound):
		return http.StatusNotFound, "BOT_NOT_FOUND"
	case errors.Is(err, bots.ErrQuotaExceeded):
		return http.StatusConflict, "QUOTA_EXCEEDED"
	case errors.Is(err, bots.ErrNameTaken):
		return http.StatusConflict, "NAME_TAKEN"
	case errors.Is(err, bots.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, bots.ErrNoSource):
		return http.StatusConflict, "NO_SOURCE"
	case errors.Is(err, bots.ErrNoContainer):
		return http.StatusConflict, "NO_CONTAINER"

	case errors.Is(err, engine.ErrBuildFailed):
		return http.StatusUnprocessableEntity, "BUILD_FAILED"
	case errors.Is(err, engine.ErrStartFailed):
		return http.StatusUnprocessableEntity, "START_FAILED"
	case errors.Is(err, engine.ErrResourceLimit):
		return http.StatusUnprocessableEntity, "RESOURCE_LIMIT"
	case errors.Is(err, engine.ErrContainerNotFound):
		return http.StatusConflict, "CONTAINER_GONE"
	case errors.Is(err, engine.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "ENGINE_TIMEOUT"

	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound, "BACKUP_NOT_FOUND"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// engineClasses are the engine errors clients see by class only. The
// wrapped daemon text names host paths and sockets.
var engineClasses = []error{
	engine.ErrContainerNotFound,
	engine.ErrResourceLimit,
	engine.ErrStartFailed,
	engine.ErrEngineUnavailable,
	engine.ErrTimeout,
}

// clientMessage is the error text sent to the client for err.
func clientMessage(err error) string {
	var buildErr *engine.BuildError
	if errors.As(err, &buildErr) {
		return buildErr.Error()
	}
	for _, class := range engineClasses {
		if errors.Is(err, class) {
			return class.Error()
		}
	}
	return err.Error()
}

// writeError answers with the status and code for err. Internal errors are
// logged and their text is not sent to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	resp := StandardResponse{Success: false, Error: clientMessage(err), Code: code}

	var buildErr *engine.BuildError
	if errors.As(err, &buildErr) {
		resp.Data = gin.H{"exit_code": buildErr.ExitCode, "log": buildErr.Log}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, resp)
}

// audit records an action. Failures are logged and never fail the request.
func (h *Handler) audit(c *gin.Context, userID uint, action, target, details string) {
	entry := &models.AuditLog{
		Action:  action,
		Target:  target,
		IP:      c.ClientIP(),
		Details: details,
	}
	if userID != 0 {
		entry.UserID = &userID
	}
	if err := h.Store.RecordAudit(c.Request.Context(), entry); err != nil {
		h.logger.Warn("failed to record audit entry",
			zap.String("action", action),
			zap.Uint("user_id", userID),
			zap.Error(err))
	}
}

// paramID parses a positive numeric path parameter.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return uint(id), true
}

func botTarget(id uint) string { return "bot:" + strconv.FormatUint(uint64(id), 10) }

func userTarget(id uint) string { return "user:" + strconv.FormatUint(uint64(id), 10) }
