package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/animsession/api/rest"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/config"
	mw "github.com/kasuganosora/animsession/middleware"
	"github.com/kasuganosora/animsession/model"
	"github.com/kasuganosora/animsession/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSec = config.SecurityConfig{
	JWTSecret: "test-secret",
	JWTTTLH:   72 * time.Hour,
}

type authEnv struct {
	r     *gin.Engine
	h     *rest.AuthHandler
	db    *gorm.DB
	cache cache.Cache
}

func newAuthRouter(t *testing.T) *authEnv {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	h := rest.NewAuthHandler(db, c, testSec, zap.NewNop())
	r := gin.New()
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/logout", mw.Auth(testSec, c), h.Logout)
	return &authEnv{r: r, h: h, db: db, cache: c}
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func loginToken(t *testing.T, r *gin.Engine, email, password string) string {
	t.Helper()
	w := postJSON(r, "/api/auth/login", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func TestLoginAutoRegister(t *testing.T) {
	env := newAuthRouter(t)

	w := postJSON(env.r, "/api/auth/login", map[string]string{
		"email":    "Alice@Example.com",
		"password": "pass1234",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "Login successful", resp.Message)

	var acc model.Account
	require.NoError(t, env.db.Where("email = ?", "alice@example.com").First(&acc).Error)
	assert.Equal(t, model.RoleUser, acc.Role)
	assert.Equal(t, "alice", acc.Name)
	assert.NotEqual(t, "pass1234", acc.PasswordHash)
	assert.NotNil(t, acc.LastLoginAt)
}

func TestLoginTokenCarriesIdentity(t *testing.T) {
	env := newAuthRouter(t)
	token := loginToken(t, env.r, "bob@example.com", "secret")

	claims, err := mw.ParseToken(token, testSec.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", claims.Email)
	assert.Equal(t, model.RoleUser, claims.Role)
	assert.Len(t, claims.UserID, 36)

	exists, err := env.cache.Exists(context.Background(), cache.SessionTokenKey(token))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newAuthRouter(t)

	// Register first
	loginToken(t, env.r, "bob@example.com", "correct")

	w := postJSON(env.r, "/api/auth/login", map[string]string{"email": "bob@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	resp := decode(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid credentials", resp.Error)
}

func TestLoginSecondTimeSameAccount(t *testing.T) {
	env := newAuthRouter(t)
	t1 := loginToken(t, env.r, "carol@example.com", "pw")
	t2 := loginToken(t, env.r, "carol@example.com", "pw")

	c1, err := mw.ParseToken(t1, testSec.JWTSecret)
	require.NoError(t, err)
	c2, err := mw.ParseToken(t2, testSec.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, c1.UserID, c2.UserID)

	var n int64
	env.db.Model(&model.Account{}).Count(&n)
	assert.Equal(t, int64(1), n)
}

func TestLoginValidation(t *testing.T) {
	env := newAuthRouter(t)
	cases := []map[string]string{
		{"email": "not-an-email", "password": "pw"},
		{"email": "a@example.com", "password": "x"},
		{"password": "pw"},
		{"email": "a@example.com"},
	}
	for _, body := range cases {
		w := postJSON(env.r, "/api/auth/login", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.False(t, decode(t, w).Success)
	}
}

func TestLoginBannedAccount(t *testing.T) {
	env := newAuthRouter(t)
	loginToken(t, env.r, "dave@example.com", "pw")
	require.NoError(t, env.db.Model(&model.Account{}).Where("email = ?", "dave@example.com").Update("status", 0).Error)

	w := postJSON(env.r, "/api/auth/login", map[string]string{"email": "dave@example.com", "password": "pw"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	env := newAuthRouter(t)
	token := loginToken(t, env.r, "erin@example.com", "pw")

	w := postJSON(env.r, "/api/auth/logout", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)

	// Second logout with the same token is rejected by the middleware.
	w = postJSON(env.r, "/api/auth/logout", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutWithoutToken(t *testing.T) {
	env := newAuthRouter(t)
	w := postJSON(env.r, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnsureAdmin(t *testing.T) {
	env := newAuthRouter(t)
	require.NoError(t, env.h.EnsureAdmin("Admin@Example.com", "adminpw"))
	require.NoError(t, env.h.EnsureAdmin("admin@example.com", "other"), "second call is a no-op")

	var acc model.Account
	require.NoError(t, env.db.Where("email = ?", "admin@example.com").First(&acc).Error)
	assert.Equal(t, model.RoleAdmin, acc.Role)

	token := loginToken(t, env.r, "admin@example.com", "adminpw")
	claims, err := mw.ParseToken(token, testSec.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}

func TestEnsureAdmin_EmptyConfigIsNoop(t *testing.T) {
	env := newAuthRouter(t)
	require.NoError(t, env.h.EnsureAdmin("", ""))
	var n int64
	env.db.Model(&model.Account{}).Count(&n)
	assert.Zero(t, n)
}
