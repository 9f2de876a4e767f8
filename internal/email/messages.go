package email

import (
	"fmt"
	"strings"
	"time"
)

// Message is a rendered email ready for a Sender.
type Message struct {
	Subject string
	Body    string
}

// LinkingRequest asks the owner of an existing account to confirm that a new
// sign-in method may be attached to it.
func LinkingRequest(provider, link string, ttl time.Duration) Message {
	return Message{
		Subject: "Confirm linking your LinkDeal account",
		Body: fmt.Sprintf(`Someone signed in to LinkDeal with %s using your email address.

If this was you, confirm linking the new sign-in method to your existing account:

%s

The link expires in %s. If you did not request this, ignore this email and your account stays unchanged.
`, providerLabel(provider), link, humanDuration(ttl)),
	}
}

// Welcome greets a newly registered user.
func Welcome(name, role string) Message {
	greeting := "Hello"
	if name != "" {
		greeting = "Hello " + name
	}
	next := "You can now browse mentors and book sessions."
	if role == "mentor" {
		next = "Your mentor application is under review. We will email you once an admin has approved it."
	}
	return Message{
		Subject: "Welcome to LinkDeal",
		Body:    fmt.Sprintf("%s,\n\nThanks for joining LinkDeal as a %s.\n\n%s\n", greeting, role, next),
	}
}

// VerifyEmail carries an email verification link.
func VerifyEmail(link string, ttl time.Duration) Message {
	return Message{
		Subject: "Verify your LinkDeal email address",
		Body: fmt.Sprintf("Please confirm your email address by opening the link below:\n\n%s\n\nThe link expires in %s.\n",
			link, humanDuration(ttl)),
	}
}

// PasswordReset carries a password reset link.
func PasswordReset(link string, ttl time.Duration) Message {
	return Message{
		Subject: "Reset your LinkDeal password",
		Body: fmt.Sprintf("A password reset was requested for your LinkDeal account.\n\n%s\n\nThe link expires in %s. If you did not ask for this, ignore this email.\n",
			link, humanDuration(ttl)),
	}
}

// AdminInvite invites a new administrator to set their password.
func AdminInvite(inviter, link string, ttl time.Duration) Message {
	return Message{
		Subject: "You have been invited to administer LinkDeal",
		Body: fmt.Sprintf("%s invited you to join LinkDeal as an administrator.\n\nSet your password here:\n\n%s\n\nThe link expires in %s.\n",
			inviter, link, humanDuration(ttl)),
	}
}

// StatusChanged tells a user their moderation status changed.
func StatusChanged(role, status, reason string) Message {
	var b strings.Builder
	switch status {
	case "approved":
		b.WriteString("Good news: your mentor application has been approved. Your profile is now visible to mentees.\n")
	case "rejected":
		b.WriteString("Your mentor application was not approved.\n")
	case "banned":
		fmt.Fprintf(&b, "Your LinkDeal %s account has been suspended.\n", role)
	case "active":
		fmt.Fprintf(&b, "Your LinkDeal %s account has been reinstated.\n", role)
	default:
		fmt.Fprintf(&b, "Your LinkDeal account status is now %q.\n", status)
	}
	if reason != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", reason)
	}
	return Message{Subject: "Your LinkDeal account status changed", Body: b.String()}
}

func providerLabel(provider string) string {
	switch provider {
	case "google-oauth2":
		return "Google"
	case "github":
		return "GitHub"
	case "linkedin":
		return "LinkedIn"
	case "":
		return "a new sign-in method"
	default:
		return provider
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
