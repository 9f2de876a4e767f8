package securetoken_test

import (
	"encoding/base64"
	"testing"

	"github.com/jmerrifield20/linkdeal/internal/securetoken"
)

func TestNew(t *testing.T) {
	raw, hash, err := securetoken.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(raw); err != nil {
		t.Errorf("token is not url-safe base64: %v", err)
	}
	if hash != securetoken.Hash(raw) {
		t.Error("hash does not match Hash(raw)")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}

	raw2, _, _ := securetoken.New()
	if raw == raw2 {
		t.Error("two tokens should differ")
	}
}
