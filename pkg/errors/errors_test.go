package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
)

func TestFromError(t *testing.T) {
	cause := errors.New("db down")

	got := appErrors.FromError(cause)
	if got.Code != "INTERNAL_SERVER_ERROR" || got.StatusCode != http.StatusInternalServerError {
		t.Errorf("plain error = %+v", got)
	}
	if !errors.Is(got, cause) {
		t.Error("internal cause not reachable through errors.Is")
	}

	wrapped := fmt.Errorf("load: %w", appErrors.ErrNotFound)
	if got := appErrors.FromError(wrapped); got != appErrors.ErrNotFound {
		t.Errorf("wrapped AppError = %+v", got)
	}
	if appErrors.FromError(nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestWithInternal_LeavesSharedErrorUntouched(t *testing.T) {
	cause := errors.New("token expired")
	got := appErrors.ErrAuthenticationFailed.WithInternal(cause)

	if appErrors.ErrAuthenticationFailed.Internal != nil {
		t.Error("shared error mutated")
	}
	if got.Error() != "Authentication failed: token expired" {
		t.Errorf("Error() = %q", got.Error())
	}
}

func TestNewBadRequest(t *testing.T) {
	got := appErrors.NewBadRequest("invalid user id")
	if got.Code != "BAD_REQUEST" || got.StatusCode != http.StatusBadRequest || got.Message != "invalid user id" {
		t.Errorf("NewBadRequest = %+v", got)
	}
}
