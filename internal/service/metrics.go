package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loansIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_loans_issued_total",
		Help: "Loans successfully issued",
	})

	loansReturned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_loans_returned_total",
		Help: "Loans returned",
	})

	finesAssessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_fines_assessed_total",
		Help: "Fines assessed on overdue returns",
	})

	paymentsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_payments_finished_total",
		Help: "Payments driven to a terminal status by the reconciler",
	}, []string{"status"})

	callbackDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_callback_duplicates_total",
		Help: "Gateway callbacks replayed against an already terminal payment",
	})
)
