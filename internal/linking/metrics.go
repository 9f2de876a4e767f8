package linking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkdeal_linking_requests_total",
		Help: "Account linking requests by outcome.",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkdeal_linking_verifications_total",
		Help: "Account linking verifications by outcome.",
	}, []string{"outcome"})
)
