package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mehedihasan/libraryops/internal/api"
	"github.com/mehedihasan/libraryops/internal/config"
	"github.com/mehedihasan/libraryops/internal/gateway"
	"github.com/mehedihasan/libraryops/internal/policy"
	"github.com/mehedihasan/libraryops/internal/service"
	"github.com/mehedihasan/libraryops/internal/store"
	"github.com/mehedihasan/libraryops/pkg/httpclient"
)

func main() {
	// Optional .env for local development; real deployments set env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var (
		ledger       service.CopyLedger
		loanStore    service.LoanStore
		resStore     service.ReservationStore
		paymentStore service.PaymentStore
	)
	if cfg.DBSource == "memory" {
		m := store.NewMemory()
		ledger, loanStore, resStore, paymentStore = m, m, m, m
		logger.Warn("running on in-memory store; state is not persisted")
	} else {
		pg, err := store.NewPostgres(cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Schema setup failed: %v", err)
		}
		ledger, loanStore, resStore, paymentStore = pg, pg, pg, pg
	}

	// Initialize Layers
	fines := policy.NewFine(cfg.Fine)
	bkash := gateway.NewBkashClient(cfg.Bkash, httpclient.New(cfg.Bkash.Timeout), logger)
	loans := service.NewLoanService(ledger, loanStore, resStore, fines, logger,
		cfg.LoanDuration, cfg.RenewalDuration, cfg.MaxRenewals)
	payments := service.NewPaymentService(paymentStore, loanStore, bkash, logger)
	handler := api.NewHandler(loans, payments, logger)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	handler.Register(apiV1)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
