package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/config"
	"github.com/relaychat/server/directory"
	mw "github.com/relaychat/server/middleware"
	"github.com/relaychat/server/social"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// AuthHandler handles authentication REST endpoints.
type AuthHandler struct {
	dir      *directory.Directory
	cache    cache.Cache
	sec      config.SecurityConfig
	profiles *social.Service
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(dir *directory.Directory, c cache.Cache, sec config.SecurityConfig, profiles *social.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{dir: dir, cache: c, sec: sec, profiles: profiles, logger: logger}
}

type signUpRequest struct {
	Username  string          `json:"username" binding:"required,min=2,max=150,alphanum"`
	FirstName string          `json:"first_name" binding:"required,max=150"`
	LastName  string          `json:"last_name" binding:"required,max=150"`
	Email     string          `json:"email" binding:"required,email,max=254"`
	Password  string          `json:"password" binding:"required,min=4,max=72"`
	Avatar    json.RawMessage `json:"avatar"`
}

type signInRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SignUp handles POST /api/auth/signup. Username, names and email are
// stored lower-cased.
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req signUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var avatar []byte
	if len(req.Avatar) > 0 && string(req.Avatar) != "null" {
		if !json.Valid(req.Avatar) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "avatar must be JSON"})
			return
		}
		avatar = req.Avatar
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	user, err := h.dir.CreateUser(c.Request.Context(), directory.NewUser{
		Username:     strings.ToLower(req.Username),
		FirstName:    strings.ToLower(req.FirstName),
		LastName:     strings.ToLower(req.LastName),
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		Avatar:       avatar,
	})
	if errors.Is(err, directory.ErrUsernameTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	if err != nil {
		h.logger.Error("signup failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	h.issue(c, http.StatusCreated, user)
}

// SignIn handles POST /api/auth/signin.
func (h *AuthHandler) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}
	user, hash, err := h.dir.Credentials(c.Request.Context(), strings.ToLower(req.Username))
	if errors.Is(err, directory.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	h.issue(c, http.StatusOK, user)
}

// issue signs a token, registers its session and answers {token, user}.
func (h *AuthHandler) issue(c *gin.Context, status int, user directory.UserRecord) {
	token, err := mw.GenerateToken(user.ID, user.Username, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), strconv.FormatInt(user.ID, 10), h.sec.JWTTTLH); err != nil {
		h.logger.Error("session store failed", zap.String("username", user.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return
	}
	c.JSON(status, gin.H{
		"token": token,
		"user":  h.profiles.Profile(user),
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(mw.GetToken(c)))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The presented token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	user, err := h.dir.UserByID(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(mw.GetToken(c)))
	h.issue(c, http.StatusOK, user)
}
