package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/users"
	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

const ctxPrincipal = "linkdeal_principal"

var errLinkingRequired = appErrors.New("REQUIRES_LINKING",
	"This email is registered with another sign-in method. Link the accounts to continue.",
	http.StatusConflict)

// Middleware authenticates every request and stores the Principal on the
// Gin context. Refusals render the standard error envelope.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			var linkErr *LinkingRequiredError
			if errors.As(err, &linkErr) {
				response.ErrorWithDetails(c, errLinkingRequired, map[string]any{
					"requires_linking": true,
					"email":            linkErr.Email,
					"role":             linkErr.ExistingRole,
				})
				return
			}
			response.Error(c, ToAppError(err))
			return
		}
		c.Set(ctxPrincipal, p)
		identity.SetClaims(c, p.Claims)
		c.Next()
	}
}

// RequireRole allows the request only when the authenticated user holds one
// of roles. It must run after Middleware.
func RequireRole(roles ...users.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFromCtx(c)
		if p == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}
		for _, r := range roles {
			if p.User.Role == r {
				c.Next()
				return
			}
		}
		response.Error(c, appErrors.ErrForbidden.WithInternal(ErrInsufficientRole))
	}
}

// PrincipalFromCtx returns the Principal set by Middleware, or nil.
func PrincipalFromCtx(c *gin.Context) *Principal {
	v, _ := c.Get(ctxPrincipal)
	p, _ := v.(*Principal)
	return p
}

// ToAppError maps authentication errors to client-facing errors. Messages
// stay generic; the cause is kept as the internal error.
func ToAppError(err error) *appErrors.AppError {
	forbidden := func(code, msg string) *appErrors.AppError {
		return appErrors.New(code, msg, http.StatusForbidden).WithInternal(err)
	}
	switch {
	case errors.Is(err, ErrNotRegistered):
		return appErrors.New("ACCOUNT_NOT_FOUND", "Account not found. Please register first.", http.StatusUnauthorized).WithInternal(err)
	case errors.Is(err, ErrEmailNotVerified):
		return forbidden("EMAIL_NOT_VERIFIED", "Email not verified")
	case errors.Is(err, ErrRoleMissing):
		return forbidden("ROLE_MISSING", "Account has no role assigned")
	case errors.Is(err, ErrMentorPending):
		return forbidden("MENTOR_PENDING", "Mentor account is pending approval")
	case errors.Is(err, ErrMentorRejected):
		return forbidden("MENTOR_REJECTED", "Mentor application was not approved")
	case errors.Is(err, ErrMentorBanned):
		return forbidden("ACCOUNT_BANNED", "Mentor account is banned")
	case errors.Is(err, ErrMenteeBanned):
		return forbidden("ACCOUNT_BANNED", "Mentee account is banned")
	default:
		return appErrors.ErrAuthenticationFailed.WithInternal(err)
	}
}
