package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "checkout_total",
		Help:      "Checkout attempts by result.",
	}, []string{"result"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shop",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting to acquire a product stock lock.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 15},
	})

	LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "lock_timeouts_total",
		Help:      "Lock acquisitions abandoned after the wait deadline.",
	})

	ReservationsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "reservations_swept_total",
		Help:      "Expired cart reservations removed by cleanup sweeps.",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "events_published_total",
		Help:      "Domain events handed to the kafka producer, by topic.",
	}, []string{"topic"})
)
