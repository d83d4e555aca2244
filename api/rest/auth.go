package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/config"
	mw "github.com/kasuganosora/animsession/middleware"
	"github.com/kasuganosora/animsession/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	msgLoginSuccess       = "Login successful"
	msgInvalidCredentials = "Invalid credentials"
	msgInternalError      = "Internal Server Error"
)

// AuthHandler handles authentication REST endpoints.
type AuthHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sec    config.SecurityConfig
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,min=2,max=64"`
}

// Login handles POST /api/auth/login.
// Auto-registers on first login if the email does not exist.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	var acc model.Account
	err := h.db.Where("email = ?", email).First(&acc).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		acc, err = h.register(email, req.Password, model.RoleUser)
		if err != nil {
			// Unique constraint violation: another request registered the same email.
			if isUniqueViolation(err) {
				fail(c, http.StatusConflict, "email already registered", "")
			} else {
				h.logger.Error("registration failed", zap.Error(err))
				fail(c, http.StatusInternalServerError, msgInternalError, "registration failed")
			}
			return
		}
		h.logger.Info("account registered", zap.String("user_id", acc.ID))
	} else if err != nil {
		h.logger.Error("account lookup failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, msgInternalError, "")
		return
	} else {
		// Existing account: verify password
		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
			h.logger.Info("invalid password", zap.String("user_id", acc.ID))
			fail(c, http.StatusUnauthorized, msgInvalidCredentials, "")
			return
		}
		if acc.Status == 0 {
			fail(c, http.StatusForbidden, "account banned", "")
			return
		}
	}

	token, err := mw.GenerateToken(mw.Identity{
		UserID: acc.ID,
		Name:   acc.Name,
		Email:  acc.Email,
		Role:   acc.Role,
	}, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		fail(c, http.StatusInternalServerError, msgInternalError, "token error")
		return
	}

	// The auth middleware checks this record against the token's user id.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, cache.SessionTokenKey(token), acc.ID, h.sec.JWTTTLH); err != nil {
		h.logger.Error("store session failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, msgInternalError, "session error")
		return
	}

	// Update last login (best-effort).
	_ = h.db.Model(&acc).Updates(map[string]interface{}{
		"last_login_at": time.Now(),
		"last_login_ip": c.ClientIP(),
	})

	ok(c, http.StatusOK, gin.H{"token": token}, msgLoginSuccess)
}

// Logout handles POST /api/auth/logout. It expects mw.Auth to have run.
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, cache.SessionTokenKey(mw.GetToken(c)))
	ok(c, http.StatusOK, nil, "logged out")
}

// EnsureAdmin creates the admin account if no account uses email yet.
// An existing account is left unchanged.
func (h *AuthHandler) EnsureAdmin(email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	email = strings.ToLower(strings.TrimSpace(email))
	var n int64
	if err := h.db.Model(&model.Account{}).Where("email = ?", email).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	acc, err := h.register(email, password, model.RoleAdmin)
	if err != nil {
		return err
	}
	h.logger.Info("admin account created", zap.String("user_id", acc.ID))
	return nil
}

func (h *AuthHandler) register(email, password, role string) (model.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.Account{}, err
	}
	acc := model.Account{
		ID:           uuid.NewString(),
		Name:         strings.SplitN(email, "@", 2)[0],
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       1,
	}
	return acc, h.db.Create(&acc).Error
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
