// Package api is the HTTP surface: registration, account linking, email
// token flows, the authenticated profile and admin moderation.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/auth"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/linking"
	"github.com/jmerrifield20/linkdeal/internal/users"
	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

// userService is the subset of users.Service used by Handler.
type userService interface {
	RegisterPassword(ctx context.Context, role users.Role, in users.PasswordRegistration) (*users.User, error)
	RegisterSocial(ctx context.Context, claims *identity.Claims, role users.Role, payload map[string]any) (*users.User, error)
	CheckEmail(ctx context.Context, email string) (bool, error)
	VerifyEmail(ctx context.Context, token string) (*users.User, error)
	ForgotPassword(ctx context.Context, email string)
	ResetPassword(ctx context.Context, token, password string) (*users.User, error)
	Profile(ctx context.Context, u *users.User) (any, error)
	LinkedIdentities(ctx context.Context, userID uuid.UUID) ([]users.LinkedIdentity, error)

	ListUsers(ctx context.Context, f users.ListFilter) ([]*users.User, error)
	ApproveMentor(ctx context.Context, actor *users.User, userID uuid.UUID) (*users.MentorProfile, error)
	RejectMentor(ctx context.Context, actor *users.User, userID uuid.UUID, reason string) (*users.MentorProfile, error)
	BanUser(ctx context.Context, actor *users.User, userID uuid.UUID, reason string) error
	UnbanUser(ctx context.Context, actor *users.User, userID uuid.UUID) error
	ChangeRole(ctx context.Context, actor *users.User, userID uuid.UUID, role users.Role) (*users.User, error)
	DeleteUser(ctx context.Context, actor *users.User, userID uuid.UUID) error
	InviteAdmin(ctx context.Context, actor *users.User, email, fullName string) (*users.User, error)
}

// linkingService is the subset of linking.Service used by Handler.
type linkingService interface {
	RequestLinking(ctx context.Context, claims *identity.Claims, in linking.RequestInput) (*linking.RequestResult, error)
	VerifyLinking(ctx context.Context, token string) (*users.User, error)
}

// Handler serves the /auth routes.
type Handler struct {
	users    userService
	linking  linkingService
	verifier identity.HeaderVerifier
	authn    *auth.Authenticator
	logger   *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(userSvc userService, linkSvc linkingService, verifier identity.HeaderVerifier, authn *auth.Authenticator, logger *zap.Logger) *Handler {
	return &Handler{users: userSvc, linking: linkSvc, verifier: verifier, authn: authn, logger: logger}
}

// Register registers the /auth routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	token := identity.RequireToken(h.verifier)

	reg := rg.Group("/register")
	for _, role := range []users.Role{users.RoleMentee, users.RoleMentor} {
		reg.POST("/"+string(role)+"/", h.registerPassword(role))
		reg.POST("/"+string(role)+"/social/", token, h.registerSocial(role))
	}
	reg.POST("/check-email/", h.CheckEmail)
	reg.POST("/request-linking/", token, h.RequestLinking)
	reg.GET("/verify-linking/:token/", h.VerifyLinking)

	rg.POST("/verify-email/", h.VerifyEmail)
	rg.POST("/password/forgot/", h.ForgotPassword)
	rg.POST("/password/reset/", h.ResetPassword)

	rg.GET("/me/", h.authn.Middleware(), h.Me)

	admin := rg.Group("/admin", h.authn.Middleware(), auth.RequireRole(users.RoleAdmin, users.RoleSuperAdmin))
	admin.GET("/users/", h.ListUsers)
	admin.POST("/mentors/:id/approve/", h.ApproveMentor)
	admin.POST("/mentors/:id/reject/", h.RejectMentor)
	admin.POST("/users/:id/ban/", h.BanUser)
	admin.POST("/users/:id/unban/", h.UnbanUser)
	admin.POST("/users/:id/role/", h.ChangeRole)
	admin.DELETE("/users/:id/", h.DeleteUser)
	admin.POST("/invite/", auth.RequireRole(users.RoleSuperAdmin), h.InviteAdmin)
}

// ── Registration ─────────────────────────────────────────────────────────

func (h *Handler) registerPassword(role users.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req users.PasswordRegistration
		if !h.bind(c, &req) {
			return
		}
		u, err := h.users.RegisterPassword(c.Request.Context(), role, req)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.Success(c, http.StatusCreated, gin.H{
			"user":    u,
			"message": "Registration successful. Please check your email to verify your account.",
		})
	}
}

type socialRegistrationRequest struct {
	Profile map[string]any `json:"profile"`
}

func (h *Handler) registerSocial(role users.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req socialRegistrationRequest
		if !h.bindOptional(c, &req) {
			return
		}
		claims := identity.ClaimsFromCtx(c)
		u, err := h.users.RegisterSocial(c.Request.Context(), claims, role, req.Profile)
		if errors.Is(err, users.ErrRequiresLinking) {
			response.ErrorWithDetails(c, errRequiresLinking.WithInternal(err), map[string]any{
				"requires_linking": true,
				"email":            claims.Email,
			})
			return
		}
		if err != nil {
			h.fail(c, err)
			return
		}
		response.Success(c, http.StatusCreated, gin.H{"user": u})
	}
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

// CheckEmail handles POST /auth/register/check-email/.
func (h *Handler) CheckEmail(c *gin.Context) {
	var req emailRequest
	if !h.bind(c, &req) {
		return
	}
	exists, err := h.users.CheckEmail(c.Request.Context(), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exists": exists})
}

// ── Account linking ──────────────────────────────────────────────────────

// RequestLinking handles POST /auth/register/request-linking/.
func (h *Handler) RequestLinking(c *gin.Context) {
	var req linking.RequestInput
	if !h.bind(c, &req) {
		return
	}
	res, err := h.linking.RequestLinking(c.Request.Context(), identity.ClaimsFromCtx(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// VerifyLinking handles GET /auth/register/verify-linking/:token/.
func (h *Handler) VerifyLinking(c *gin.Context) {
	u, err := h.linking.VerifyLinking(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"user":    u,
		"message": "Accounts linked. You can now sign in with either method.",
	})
}

// ── Email tokens ─────────────────────────────────────────────────────────

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// VerifyEmail handles POST /auth/verify-email/.
func (h *Handler) VerifyEmail(c *gin.Context) {
	var req tokenRequest
	if !h.bind(c, &req) {
		return
	}
	if _, err := h.users.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		h.fail(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Email verified")
}

// ForgotPassword handles POST /auth/password/forgot/. The response does not
// reveal whether the email is registered.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !h.bind(c, &req) {
		return
	}
	h.users.ForgotPassword(c.Request.Context(), req.Email)
	response.Message(c, http.StatusOK, "If an account exists for this email, a reset link has been sent.")
}

type resetRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ResetPassword handles POST /auth/password/reset/.
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetRequest
	if !h.bind(c, &req) {
		return
	}
	if _, err := h.users.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.fail(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Password updated")
}

// ── Authenticated profile ────────────────────────────────────────────────

type meResponse struct {
	User             *users.User            `json:"user"`
	Profile          any                    `json:"profile,omitempty"`
	LinkedIdentities []users.LinkedIdentity `json:"linked_identities"`
}

// Me handles GET /auth/me/.
func (h *Handler) Me(c *gin.Context) {
	p := auth.PrincipalFromCtx(c)
	ctx := c.Request.Context()

	profile, err := h.users.Profile(ctx, p.User)
	switch {
	case errors.Is(err, users.ErrProfileNotFound):
		profile = nil
	case err != nil:
		h.fail(c, err)
		return
	}
	linked, err := h.users.LinkedIdentities(ctx, p.User.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if linked == nil {
		linked = []users.LinkedIdentity{}
	}
	response.Success(c, http.StatusOK, meResponse{User: p.User, Profile: profile, LinkedIdentities: linked})
}

// ── Admin ────────────────────────────────────────────────────────────────

// ListUsers handles GET /auth/admin/users/.
func (h *Handler) ListUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := h.users.ListUsers(c.Request.Context(), users.ListFilter{
		Role:   users.Role(c.Query("role")),
		Status: users.AccountStatus(c.Query("status")),
		Email:  strings.TrimSpace(c.Query("email")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []*users.User{}
	}
	response.Success(c, http.StatusOK, gin.H{"users": list, "count": len(list)})
}

// ApproveMentor handles POST /auth/admin/mentors/:id/approve/.
func (h *Handler) ApproveMentor(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p, err := h.users.ApproveMentor(c.Request.Context(), h.actor(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, p)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// RejectMentor handles POST /auth/admin/mentors/:id/reject/.
func (h *Handler) RejectMentor(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.bindOptional(c, &req) {
		return
	}
	p, err := h.users.RejectMentor(c.Request.Context(), h.actor(c), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, p)
}

// BanUser handles POST /auth/admin/users/:id/ban/.
func (h *Handler) BanUser(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.bindOptional(c, &req) {
		return
	}
	if err := h.users.BanUser(c.Request.Context(), h.actor(c), id, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	response.Message(c, http.StatusOK, "User banned")
}

// UnbanUser handles POST /auth/admin/users/:id/unban/.
func (h *Handler) UnbanUser(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.users.UnbanUser(c.Request.Context(), h.actor(c), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Message(c, http.StatusOK, "User unbanned")
}

type roleRequest struct {
	Role users.Role `json:"role" binding:"required"`
}

// ChangeRole handles POST /auth/admin/users/:id/role/.
func (h *Handler) ChangeRole(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req roleRequest
	if !h.bind(c, &req) {
		return
	}
	u, err := h.users.ChangeRole(c.Request.Context(), h.actor(c), id, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, u)
}

// DeleteUser handles DELETE /auth/admin/users/:id/.
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.users.DeleteUser(c.Request.Context(), h.actor(c), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Message(c, http.StatusOK, "User deleted")
}

type inviteRequest struct {
	Email    string `json:"email" binding:"required"`
	FullName string `json:"full_name"`
}

// InviteAdmin handles POST /auth/admin/invite/.
func (h *Handler) InviteAdmin(c *gin.Context) {
	var req inviteRequest
	if !h.bind(c, &req) {
		return
	}
	u, err := h.users.InviteAdmin(c.Request.Context(), h.actor(c), req.Email, req.FullName)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, u)
}

// ── Helpers ──────────────────────────────────────────────────────────────

func (h *Handler) actor(c *gin.Context) *users.User {
	if p := auth.PrincipalFromCtx(c); p != nil {
		return p.User
	}
	return nil
}

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid user id"))
		return uuid.Nil, false
	}
	return id, true
}

// bind decodes a required JSON body.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid request body"))
		return false
	}
	return true
}

// bindOptional decodes a JSON body when one was sent.
func (h *Handler) bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return h.bind(c, dst)
}
