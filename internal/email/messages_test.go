package email_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/email"
)

func TestLinkingRequest(t *testing.T) {
	m := email.LinkingRequest("google-oauth2", "https://app.example.com/auth/verify-linking/tok", 15*time.Minute)
	for _, want := range []string{"Google", "https://app.example.com/auth/verify-linking/tok", "15 minutes"} {
		if !strings.Contains(m.Body, want) {
			t.Errorf("body missing %q:\n%s", want, m.Body)
		}
	}
	if m.Subject == "" {
		t.Error("empty subject")
	}
}

func TestTokenMessagesMentionExpiry(t *testing.T) {
	tests := []struct {
		name string
		msg  email.Message
		want string
	}{
		{"verify", email.VerifyEmail("https://x/verify", 24*time.Hour), "24 hours"},
		{"reset", email.PasswordReset("https://x/reset", time.Hour), "1 hour"},
		{"invite", email.AdminInvite("root@x.io", "https://x/reset", 24*time.Hour), "root@x.io"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !strings.Contains(tc.msg.Body, tc.want) {
				t.Errorf("body missing %q:\n%s", tc.want, tc.msg.Body)
			}
		})
	}
}

func TestWelcome_MentorMentionsReview(t *testing.T) {
	if !strings.Contains(email.Welcome("Ada", "mentor").Body, "under review") {
		t.Error("mentor welcome should mention review")
	}
	if strings.Contains(email.Welcome("", "mentee").Body, "under review") {
		t.Error("mentee welcome should not mention review")
	}
}

func TestStatusChanged(t *testing.T) {
	m := email.StatusChanged("mentor", "banned", "spam")
	if !strings.Contains(m.Body, "suspended") || !strings.Contains(m.Body, "Reason: spam") {
		t.Errorf("unexpected body: %s", m.Body)
	}
}

func TestNoopSender(t *testing.T) {
	var s email.Sender = email.NewNoopSender(zap.NewNop())
	if err := s.Send(context.Background(), "a@x.io", "hi", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	s := email.NewSMTPSender(email.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "noreply@x.io"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "a@x.io", "hi", "body"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
