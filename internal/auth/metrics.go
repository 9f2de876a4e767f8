package auth

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "linkdeal_authentications_total",
	Help: "Authentication attempts by outcome.",
}, []string{"outcome"})

func recordOutcome(err error) {
	authOutcomesTotal.WithLabelValues(reason(err)).Inc()
}

func reason(err error) string {
	var linkErr *LinkingRequiredError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &linkErr):
		return "requires_linking"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrEmailNotVerified):
		return "email_not_verified"
	case errors.Is(err, ErrRoleMissing):
		return "role_missing"
	case errors.Is(err, ErrMentorPending):
		return "mentor_pending"
	case errors.Is(err, ErrMentorRejected):
		return "mentor_rejected"
	case errors.Is(err, ErrMentorBanned):
		return "mentor_banned"
	case errors.Is(err, ErrMenteeBanned):
		return "mentee_banned"
	default:
		return "invalid_token"
	}
}
