package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/linking"
	"github.com/jmerrifield20/linkdeal/internal/users"
	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

var (
	errValidation         = appErrors.New("VALIDATION_ERROR", "Invalid input", http.StatusBadRequest)
	errInvalidRole        = appErrors.New("INVALID_ROLE", "Invalid role", http.StatusBadRequest)
	errEmailExists        = appErrors.New("EMAIL_EXISTS", "An account with this email already exists", http.StatusConflict)
	errAlreadyRegistered  = appErrors.New("ALREADY_REGISTERED", "This account is already registered", http.StatusConflict)
	errRequiresLinking    = appErrors.New("REQUIRES_LINKING", "This email is registered with another sign-in method. Link the accounts to continue.", http.StatusConflict)
	errInvalidTransition  = appErrors.New("INVALID_TRANSITION", "Action does not apply to the account's current status", http.StatusConflict)
	errInvalidToken       = appErrors.New("INVALID_TOKEN", "Invalid or already used token", http.StatusBadRequest)
	errTokenExpired       = appErrors.New("TOKEN_EXPIRED", "Token has expired", http.StatusBadRequest)
	errConsentRequired    = appErrors.New("CONSENT_REQUIRED", "Explicit consent is required to link accounts", http.StatusBadRequest)
	errNothingToLink      = appErrors.New("NOTHING_TO_LINK", "No existing account to link with this email", http.StatusBadRequest)
	errAlreadyLinked      = appErrors.New("ALREADY_LINKED", "This sign-in method is already linked", http.StatusBadRequest)
	errRoleMismatch       = appErrors.New("ROLE_MISMATCH", "Role does not match the existing account", http.StatusBadRequest)
	errAccountBanned      = appErrors.New("ACCOUNT_BANNED", "The existing account is banned", http.StatusForbidden)
	errEmailUnverified    = appErrors.New("EMAIL_NOT_VERIFIED", "Verify the email of the existing account before linking", http.StatusBadRequest)
	errVerificationFailed = appErrors.New("VERIFICATION_UNAVAILABLE", "Could not confirm the existing account, please try again later", http.StatusBadGateway)
	errEmailDelivery      = appErrors.New("EMAIL_DELIVERY_FAILED", "Failed to send the verification email, please try again", http.StatusBadGateway)
	errLinkNotFound       = appErrors.New("INVALID_LINK", "Invalid linking link", http.StatusBadRequest)
	errLinkUsed           = appErrors.New("ALREADY_VERIFIED", "This linking request was already verified", http.StatusBadRequest)
	errLinkExpired        = appErrors.New("LINK_EXPIRED", "Linking link has expired, please request a new one", http.StatusBadRequest)
)

// fail maps a service error to the response envelope. Unknown errors become
// a generic 500 and are logged with the request id.
func (h *Handler) fail(c *gin.Context, err error) {
	var verr *users.ValidationError
	if errors.As(err, &verr) {
		details := make(map[string]any, len(verr.Fields))
		for k, v := range verr.Fields {
			details[k] = v
		}
		response.ErrorWithDetails(c, errValidation.WithInternal(err), details)
		return
	}

	appErr := mapError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", RequestIDFromCtx(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	response.Error(c, appErr)
}

func mapError(err error) *appErrors.AppError {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	table := []struct {
		target error
		out    *appErrors.AppError
	}{
		{users.ErrInvalidRole, errInvalidRole},
		{users.ErrDuplicateEmail, errEmailExists},
		{users.ErrDuplicateExternalID, errAlreadyRegistered},
		{users.ErrAlreadyRegistered, errAlreadyRegistered},
		{users.ErrRequiresLinking, errRequiresLinking},
		{users.ErrNotFound, appErrors.ErrNotFound},
		{users.ErrProfileNotFound, appErrors.ErrNotFound},
		{users.ErrInvalidTransition, errInvalidTransition},
		{users.ErrForbidden, appErrors.ErrForbidden},
		{users.ErrTokenInvalid, errInvalidToken},
		{users.ErrTokenExpired, errTokenExpired},
		{users.ErrInvalidInput, errValidation},
		{linking.ErrConsentRequired, errConsentRequired},
		{linking.ErrNothingToLink, errNothingToLink},
		{linking.ErrAlreadyLinked, errAlreadyLinked},
		{linking.ErrRoleMismatch, errRoleMismatch},
		{linking.ErrAccountBanned, errAccountBanned},
		{linking.ErrExistingEmailUnverified, errEmailUnverified},
		{linking.ErrVerificationUnavailable, errVerificationFailed},
		{linking.ErrEmailDelivery, errEmailDelivery},
		{linking.ErrTokenNotFound, errLinkNotFound},
		{linking.ErrAlreadyVerified, errLinkUsed},
		{linking.ErrExpired, errLinkExpired},
	}
	for _, m := range table {
		if errors.Is(err, m.target) {
			return m.out.WithInternal(err)
		}
	}
	if idp.IsExternal(err) {
		return appErrors.ErrExternalService.WithInternal(err)
	}
	return appErrors.ErrInternalServer.WithInternal(err)
}
