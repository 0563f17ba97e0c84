package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bothost/internal/auth"
	"bothost/internal/backup"
	"bothost/internal/bots"
	"bothost/internal/db"
	"bothost/internal/engine"
	"bothost/internal/logstream"
	"bothost/internal/middleware"
	"bothost/internal/runtimes"
	"bothost/internal/storage"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm/logger"
)

const testSecret = "k3Y!9vQz#Lm2@Wp8$Rt6^Hn4&Bx1*Cd7"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	t       *testing.T
	router  *gin.Engine
	engine  *fakeEngine
	store   *db.Store
	auth    *auth.AuthService
	backups *backup.Manager
}

type envOptions struct {
	maxUpload   int64
	authLimiter middleware.Limiter
}

func newTestEnv(t *testing.T, opts ...func(*envOptions)) *testEnv {
	t.Helper()
	o := envOptions{maxUpload: 1 << 20}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := db.DefaultConfig("file::memory:")
	cfg.LogLevel = logger.Silent
	database, err := db.NewDatabase(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.SeedPlans(context.Background()))

	store := db.NewStore(database.DB)
	authService := auth.NewAuthService(store, testSecret, auth.WithBcryptCost(bcrypt.MinCost))

	backupStorage, err := backup.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	backups := backup.NewManager(backupStorage, backup.Config{}, zap.NewNop())

	files, err := storage.New(t.TempDir(), storage.WithArchiver(backups), storage.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	eng := newFakeEngine()
	svc := bots.NewService(store, eng, files, runtimes.Default(),
		bots.WithBackups(backups),
		bots.WithLogger(zap.NewNop()))
	gateway := logstream.NewGateway(svc, eng, zap.NewNop())
	svc.SetStreams(gateway)

	h := NewHandler(Dependencies{
		Bots:           svc,
		Auth:           authService,
		Store:          store,
		Logs:           gateway,
		Backups:        backups,
		Database:       database,
		Engine:         eng,
		MaxUploadBytes: o.maxUpload,
		Logger:         zap.NewNop(),
	})

	return &testEnv{
		t:       t,
		router:  h.NewRouter(RouterOptions{AuthLimiter: o.authLimiter, Metrics: true}),
		engine:  eng,
		store:   store,
		auth:    authService,
		backups: backups,
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *testEnv) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.serve(req, token)
}

func (e *testEnv) upload(path, token, filename string, content []byte) (*httptest.ResponseRecorder, apiResponse) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(e.t, err)
		_, err = part.Write(content)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.serve(req, token)
}

func (e *testEnv) serve(req *http.Request, token string) (*httptest.ResponseRecorder, apiResponse) {
	e.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

// register signs up through the API and returns the access token.
func (e *testEnv) register(email string) (string, uint) {
	e.t.Helper()
	w, resp := e.do(http.MethodPost, "/api/v1/auth/register", "", auth.Credentials{Email: email, Password: "hunter2hunter2"})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())

	var out struct {
		User  models.User `json:"user"`
		Token auth.Token  `json:"token"`
	}
	require.NoError(e.t, json.Unmarshal(resp.Data, &out))
	return out.Token.AccessToken, out.User.ID
}

// privileged creates an account with role on the largest plan.
func (e *testEnv) privileged(email, role string) (string, uint) {
	e.t.Helper()
	ctx := context.Background()
	plans, err := e.store.ListPlans(ctx)
	require.NoError(e.t, err)

	user := &models.User{
		Email:        email,
		PasswordHash: "unused",
		Role:         role,
		Status:       models.UserStatusActive,
		PlanID:       plans[len(plans)-1].ID,
	}
	require.NoError(e.t, e.store.CreateUser(ctx, user))
	token, err := e.auth.GenerateToken(user)
	require.NoError(e.t, err)
	return token.AccessToken, user.ID
}

func (e *testEnv) createBot(token, name string) models.Bot {
	e.t.Helper()
	w, resp := e.do(http.MethodPost, "/api/v1/bots", token, bots.CreateRequest{Name: name, Runtime: "python"})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBot(e.t, resp)
}

func decodeBot(t *testing.T, resp apiResponse) models.Bot {
	t.Helper()
	var bot models.Bot
	require.NoError(t, json.Unmarshal(resp.Data, &bot))
	return bot
}

func botPath(id uint, suffix string) string {
	return fmt.Sprintf("/api/v1/bots/%d%s", id, suffix)
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	token, _ := env.register("Dana@Example.com")

	w, resp := env.do(http.MethodPost, "/api/v1/auth/register", "", auth.Credentials{Email: "dana@example.com", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "USER_EXISTS", resp.Code)

	w, resp = env.do(http.MethodPost, "/api/v1/auth/register", "", auth.Credentials{Email: "weak@example.com", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "WEAK_PASSWORD", resp.Code)

	w, resp = env.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", resp.Code)

	w, resp = env.do(http.MethodPost, "/api/v1/auth/login", "", auth.Credentials{Email: "dana@example.com", Password: "wrong-password1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", resp.Code)

	w, _ = env.do(http.MethodPost, "/api/v1/auth/login", "", auth.Credentials{Email: "dana@example.com", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me models.User
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "dana@example.com", me.Email)
	assert.Equal(t, models.RoleUser, me.Role)
	require.NotNil(t, me.Plan)
	assert.Equal(t, db.DefaultPlanName, me.Plan.Name)
	assert.NotContains(t, w.Body.String(), "password")

	w, resp = env.do(http.MethodGet, "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_HEADER_MISSING", resp.Code)
}

func TestAuthRateLimit(t *testing.T) {
	limiter := middleware.NewIPRateLimiter(60, 2)
	defer limiter.Stop()
	env := newTestEnv(t, func(o *envOptions) { o.authLimiter = limiter })

	creds := auth.Credentials{Email: "rl@example.com", Password: "wrong-password1"}
	for i := 0; i < 2; i++ {
		w, _ := env.do(http.MethodPost, "/api/v1/auth/login", "", creds)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w, resp := env.do(http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Code)
}

func TestBotLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.register("erin@example.com")

	bot := env.createBot(token, "echo-bot")
	assert.Equal(t, models.BotStatusCreated, bot.Status)
	assert.Equal(t, userID, bot.UserID)

	w, resp := env.do(http.MethodPost, botPath(bot.ID, "/start"), token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_SOURCE", resp.Code)

	w, resp = env.upload(botPath(bot.ID, "/upload"), token, "main.py", []byte("print('hi')\n"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.SourceFile, decodeBot(t, resp).SourceType)

	w, resp = env.do(http.MethodPost, botPath(bot.ID, "/start"), token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.BotStatusRunning, decodeBot(t, resp).Status)
	assert.NotContains(t, w.Body.String(), "ctr-", "the container reference never leaves the server")

	w, resp = env.do(http.MethodPost, botPath(bot.ID, "/start"), token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", resp.Code)

	w, resp = env.upload(botPath(bot.ID, "/upload"), token, "main.py", []byte("print('v2')\n"))
	assert.Equal(t, http.StatusConflict, w.Code, "a running bot cannot take new code")
	assert.Equal(t, "INVALID_STATE", resp.Code)

	w, resp = env.do(http.MethodGet, botPath(bot.ID, "/logs?tail=10"), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), "connected")

	w, resp = env.do(http.MethodGet, botPath(bot.ID, "/logs?tail=abc"), token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_TAIL", resp.Code)

	w, resp = env.do(http.MethodPost, botPath(bot.ID, "/stop?grace=2"), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.BotStatusStopped, decodeBot(t, resp).Status)

	w, resp = env.do(http.MethodPost, botPath(bot.ID, "/stop"), token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", resp.Code)

	w, resp = env.do(http.MethodPost, botPath(bot.ID, "/restart"), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.BotStatusRunning, decodeBot(t, resp).Status)

	w, resp = env.do(http.MethodGet, "/api/v1/bots", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Bots  []models.Bot `json:"bots"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Equal(t, 1, list.Total)

	w, _ = env.do(http.MethodDelete, botPath(bot.ID, ""), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, resp = env.do(http.MethodGet, botPath(bot.ID, ""), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "BOT_NOT_FOUND", resp.Code)

	entries, err := env.store.ListAudit(context.Background(), userID, 100)
	require.NoError(t, err)
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, want := range []string{"user_register", "bot_create", "bot_upload", "bot_start", "bot_stop", "bot_restart", "bot_delete"} {
		assert.True(t, actions[want], want)
	}
}

func TestCreateBotValidation(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.register("frank@example.com")

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"missing fields", gin.H{"name": "abc"}, "INVALID_REQUEST"},
		{"bad name", bots.CreateRequest{Name: "a b", Runtime: "python"}, "VALIDATION_FAILED"},
		{"unknown runtime", bots.CreateRequest{Name: "valid-name", Runtime: "cobol"}, "UNSUPPORTED_RUNTIME"},
		{"dangerous command", bots.CreateRequest{Name: "valid-name", Runtime: "python", StartCmd: "python main.py; rm -rf /"}, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(http.MethodPost, "/api/v1/bots", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	env.createBot(token, "first-bot")
	w, resp := env.do(http.MethodPost, "/api/v1/bots", token, bots.CreateRequest{Name: "second-bot", Runtime: "python"})
	assert.Equal(t, http.StatusConflict, w.Code, "the free plan allows one bot")
	assert.Equal(t, "QUOTA_EXCEEDED", resp.Code)

	w, resp = env.do(http.MethodGet, "/api/v1/bots/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", resp.Code)
}

func TestNameTakenPerOwner(t *testing.T) {
	env := newTestEnv(t)
	adminToken, _ := env.privileged("admin@example.com", models.RoleAdmin)
	userToken, _ := env.register("gina@example.com")

	env.createBot(adminToken, "shared-name")
	w, resp := env.do(http.MethodPost, "/api/v1/bots", adminToken, bots.CreateRequest{Name: "shared-name", Runtime: "node"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NAME_TAKEN", resp.Code)

	env.createBot(userToken, "shared-name")
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.maxUpload = 1024 })
	token, _ := env.register("hank@example.com")
	bot := env.createBot(token, "upload-bot")

	w, resp := env.upload(botPath(bot.ID, "/upload"), token, "payload.exe", []byte("MZ"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_EXTENSION", resp.Code)

	w, resp = env.upload(botPath(bot.ID, "/upload"), token, "main.py", bytes.Repeat([]byte("#"), 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "FILE_TOO_LARGE", resp.Code)

	w, resp = env.upload(botPath(bot.ID, "/upload"), token, "bot.zip", []byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARCHIVE", resp.Code)

	w, resp = env.upload(botPath(bot.ID, "/upload"), token, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MISSING_FILE", resp.Code)
}

func TestOwnershipIsolation(t *testing.T) {
	env := newTestEnv(t)
	ownerToken, _ := env.register("ivy@example.com")
	otherToken, _ := env.register("jack@example.com")
	adminToken, _ := env.privileged("root@example.com", models.RoleAdmin)

	bot := env.createBot(ownerToken, "private-bot")

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, botPath(bot.ID, "")},
		{http.MethodPost, botPath(bot.ID, "/start")},
		{http.MethodPost, botPath(bot.ID, "/stop")},
		{http.MethodDelete, botPath(bot.ID, "")},
	} {
		w, resp := env.do(req.method, req.path, otherToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, req.path)
		assert.Equal(t, "ACCESS_DENIED", resp.Code, req.path)
	}

	w, resp := env.do(http.MethodGet, "/api/v1/bots", otherToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"total":0`)

	w, _ = env.do(http.MethodGet, botPath(bot.ID, ""), adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code, "admins may read any bot")
}

func TestEngineFailuresMapToStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"build failure", fmt.Errorf("create: %w", &engine.BuildError{ExitCode: 1, Log: "ERROR: No matching distribution found for discordpy"}), http.StatusUnprocessableEntity, "BUILD_FAILED", "build failed with exit code 1"},
		{"engine down", fmt.Errorf("create: %w: %w", engine.ErrEngineUnavailable, errors.New("dial unix /var/run/docker.sock: connect: permission denied")), http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", "container engine unavailable"},
		{"timeout", fmt.Errorf("create: %w: %w", engine.ErrTimeout, errors.New("Post http://docker/v1.45/containers/create: context deadline exceeded")), http.StatusGatewayTimeout, "ENGINE_TIMEOUT", "container engine timed out"},
		{"limits rejected", fmt.Errorf("create: %w: %w", engine.ErrResourceLimit, errors.New("NanoCPUs can not be set on /sys/fs/cgroup/bothost")), http.StatusUnprocessableEntity, "RESOURCE_LIMIT", "container resource limits rejected"},
		{"container gone", fmt.Errorf("create: %w: %w", engine.ErrContainerNotFound, errors.New("No such container: 4f1a9c")), http.StatusConflict, "CONTAINER_GONE", "container not found"},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			token, _ := env.register("kim@example.com")
			bot := env.createBot(token, "failing-bot")
			w, _ := env.upload(botPath(bot.ID, "/upload"), token, "main.py", []byte("print(1)\n"))
			require.Equal(t, http.StatusOK, w.Code)

			env.engine.setCreateErr(tt.err)
			w, resp := env.do(http.MethodPost, botPath(bot.ID, "/start"), token, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.message, resp.Error)

			if tt.code == "BUILD_FAILED" {
				assert.Contains(t, string(resp.Data), "No matching distribution")
			}

			w, resp = env.do(http.MethodGet, botPath(bot.ID, ""), token, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, models.BotStatusCreated, decodeBot(t, resp).Status, "a failed create leaves the status alone")
		})
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	userToken, userID := env.register("lena@example.com")
	adminToken, adminID := env.privileged("admin@example.com", models.RoleAdmin)
	otherAdminToken, otherAdminID := env.privileged("admin2@example.com", models.RoleAdmin)
	ownerToken, _ := env.privileged("owner@example.com", models.RoleOwner)
	_ = otherAdminToken

	w, resp := env.do(http.MethodGet, "/api/v1/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", resp.Code)

	w, _ = env.do(http.MethodGet, "/api/v1/admin/users?limit=2&page=1", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(4), page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.True(t, page.Pagination.HasNext)

	w, resp = env.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/suspend", userID), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp = env.do(http.MethodGet, "/api/v1/bots", userToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "suspended accounts lose API access at once")
	assert.Equal(t, "ACCOUNT_SUSPENDED", resp.Code)

	w, resp = env.do(http.MethodPost, "/api/v1/auth/login", "", auth.Credentials{Email: "lena@example.com", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCOUNT_SUSPENDED", resp.Code)

	w, resp = env.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/suspend", otherAdminID), adminToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the owner suspends admins")
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", resp.Code)

	w, resp = env.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/suspend", adminID), adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CANNOT_SUSPEND_SELF", resp.Code)

	w, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/suspend", otherAdminID), ownerToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(http.MethodPost, "/api/v1/admin/users/9999/suspend", ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "USER_NOT_FOUND", resp.Code)

	w, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/activate", userID), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do(http.MethodGet, "/api/v1/bots", userToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/audit?user_id=%d", adminID), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), "user_suspend")
	assert.Contains(t, string(resp.Data), "user_activate")
}

func TestAdminBackups(t *testing.T) {
	env := newTestEnv(t)
	userToken, _ := env.register("mona@example.com")
	adminToken, _ := env.privileged("admin@example.com", models.RoleAdmin)

	bot := env.createBot(userToken, "backed-up")
	code := []byte("print('keep me')\n")
	w, _ := env.upload(botPath(bot.ID, "/upload"), userToken, "main.py", code)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/bots/%d/backups", bot.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Backups []string `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listing))
	require.Len(t, listing.Backups, 1)

	name := listing.Backups[0][strings.LastIndex(listing.Backups[0], "/")+1:]
	w, _ = env.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/bots/%d/backups/%s", bot.ID, name), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, code, w.Body.Bytes())
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="main.py"`)

	w, resp = env.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/bots/%d/backups/missing.gz", bot.ID), adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "BACKUP_NOT_FOUND", resp.Code)

	w, _ = env.do(http.MethodDelete, botPath(bot.ID, ""), userToken, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	keys, err := env.backups.List(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Empty(t, keys, "deleting a bot purges its backups")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	env.engine.setPingErr(engine.ErrEngineUnavailable)
	w, _ = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")

	w, _ = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bothost_")
}

func wsURL(server *httptest.Server, botID uint, token string) string {
	return fmt.Sprintf("ws%s/ws/bots/%d/logs?token=%s", strings.TrimPrefix(server.URL, "http"), botID, token)
}

func TestStreamLogsWebsocket(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	token, _ := env.register("nora@example.com")
	otherToken, _ := env.register("otto@example.com")
	bot := env.createBot(token, "chatty-bot")

	// No container yet.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, bot.ID, token), nil)
	require.NoError(t, err)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	conn.Close()

	w, _ := env.upload(botPath(bot.ID, "/upload"), token, "main.py", []byte("print(1)\n"))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do(http.MethodPost, botPath(bot.ID, "/start"), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	conn, _, err = websocket.DefaultDialer.Dial(wsURL(server, bot.ID, token), nil)
	require.NoError(t, err)
	defer conn.Close()

	var lines []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		lines = append(lines, string(msg))
	}
	assert.Equal(t, []string{fmt.Sprintf("bot %d booting", bot.ID), "connected"}, lines)

	denied, _, err := websocket.DefaultDialer.Dial(wsURL(server, bot.ID, otherToken), nil)
	require.NoError(t, err)
	defer denied.Close()
	_, _, err = denied.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, bot.ID, "bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
