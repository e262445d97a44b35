package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/config"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/pkg/response"
	"github.com/pagetrail/recorder/pkg/utils"
)

const (
	// CookieToken carries the JWT (httpOnly).
	CookieToken = "token"
	// CookieUser carries URL-encoded JSON {id, fullName, profilePicture} readable by clients.
	CookieUser = "user"
	// ContextUserID is the gin context key the JWT middleware stores the user ID under.
	ContextUserID = "user_id"
)

// Users is the user storage the handler needs.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, p CreateUserParams) (*models.User, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// SignupRequest is the body for POST /api/auth/signup.
type SignupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"fullName" binding:"required"`
	Tel      string `json:"tel"`
}

// LoginRequest is the body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// StatusRequest is the body for PATCH /api/auth/users/:id/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// userCookie is the payload of the user cookie.
type userCookie struct {
	ID             string `json:"id"`
	FullName       string `json:"fullName"`
	ProfilePicture string `json:"profilePicture"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   Users
	jwt    *JWTService
	cookie config.CookieConfig
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo Users, jwt *JWTService, cookie config.CookieConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, cookie: cookie, logger: logger}
}

// Signup handles POST /api/auth/signup.
func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.repo.Create(c.Request.Context(), CreateUserParams{
		Email:        strings.ToLower(req.Email),
		PasswordHash: hash,
		FullName:     req.FullName,
		PhoneNo:      req.Tel,
		Role:         models.RoleUser,
	})
	if errors.Is(err, ErrEmailTaken) {
		response.BadRequest(c, "user already exists")
		return
	}
	if err != nil {
		h.logger.Error("create user", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	response.Created(c, user.ToPublic())
}

// Login handles POST /api/auth/login. On success the token and user cookies are set.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), strings.ToLower(req.Email))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			h.logger.Error("get user by email", zap.Error(err))
		}
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if user.Status == models.UserStatusInactive {
		response.Forbidden(c, "user has been blocked from logging in")
		return
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(user.ID, string(user.Role))
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	if err := h.setCookies(c, token, user); err != nil {
		response.Internal(c, "failed to set session cookies")
		return
	}
	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *gin.Context) {
	h.clearCookie(c, CookieToken, true)
	h.clearCookie(c, CookieUser, false)
	response.OK(c, gin.H{"message": "logout successful"})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *gin.Context) {
	id, ok := c.Get(ContextUserID)
	uid, _ := id.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	user, err := h.repo.GetByID(c.Request.Context(), uid)
	if err != nil {
		response.NotFound(c, "user not found")
		return
	}
	response.OK(c, user.ToPublic())
}

// SetStatus handles PATCH /api/auth/users/:id/status (admin only).
func (h *Handler) SetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.repo.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		response.Internal(c, "failed to update user")
		return
	}
	response.OK(c, gin.H{"id": id, "status": req.Status})
}

func (h *Handler) setCookies(c *gin.Context, token string, user *models.User) error {
	raw, err := json.Marshal(userCookie{ID: user.ID.String(), FullName: user.FullName, ProfilePicture: user.ProfilePicture})
	if err != nil {
		return err
	}
	maxAge := int(h.jwt.TTL().Seconds())
	c.SetSameSite(h.sameSite())
	c.SetCookie(CookieToken, token, maxAge, "/", h.cookie.Domain, h.cookie.Secure, true)
	// SetCookie URL-encodes the value.
	c.SetCookie(CookieUser, string(raw), maxAge, "/", h.cookie.Domain, h.cookie.Secure, false)
	return nil
}

func (h *Handler) clearCookie(c *gin.Context, name string, httpOnly bool) {
	c.SetSameSite(h.sameSite())
	c.SetCookie(name, "", -1, "/", h.cookie.Domain, h.cookie.Secure, httpOnly)
}

func (h *Handler) sameSite() http.SameSite {
	switch strings.ToLower(h.cookie.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
