package identity

import (
	"context"

	"github.com/gin-gonic/gin"

	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

const ctxClaims = "linkdeal_token_claims"

// HeaderVerifier is satisfied by *TokenVerifier.
type HeaderVerifier interface {
	VerifyHeader(ctx context.Context, header string) (*Claims, error)
}

// RequireToken returns a Gin middleware that only verifies the bearer token.
// It does not require the identity to be registered locally, which makes it
// the guard for registration and linking-request routes.
func RequireToken(verifier HeaderVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := verifier.VerifyHeader(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			response.Error(c, appErrors.ErrAuthenticationFailed.WithInternal(err))
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// SetClaims stores verified claims on the Gin context.
func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(ctxClaims, claims)
}

// ClaimsFromCtx retrieves the claims injected by RequireToken.
// Returns nil if no verified token is present.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}
