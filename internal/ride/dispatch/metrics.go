package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	offersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_sent_total",
		Help: "Total ride offers delivered to drivers.",
	})

	offerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offer_outcomes_total",
		Help: "Total offer resolutions grouped by outcome.",
	}, []string{"outcome"})

	acceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_accept_attempts_total",
		Help: "Total driver accept attempts grouped by result.",
	}, []string{"result"})

	noDriverCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_no_driver_cancellations_total",
		Help: "Rides cancelled because every candidate was exhausted.",
	})
)
