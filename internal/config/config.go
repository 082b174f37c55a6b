package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// FinePolicy holds the tiered overdue-fine schedule. Days 1..Tier1Days
// charge Rate1 per day, days up to Tier2Days charge Rate2 per day on top
// of the tier-1 carry-over, and later days charge Rate3. Amounts are
// whole BDT.
type FinePolicy struct {
	Tier1Days int
	Tier2Days int
	Rate1     int64
	Rate2     int64
	Rate3     int64
}

// Bkash holds gateway credentials and tuning for the bKash checkout API.
type Bkash struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	CallbackURL string
	Timeout     time.Duration
}

type Config struct {
	DBSource string
	Port     string
	Env      string

	LoanDuration    time.Duration
	RenewalDuration time.Duration
	MaxRenewals     int

	Fine  FinePolicy
	Bkash Bkash
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:        dbSource,
		Port:            getenv("SERVER_PORT", "8080"),
		Env:             getenv("ENVIRONMENT", "development"),
		LoanDuration:    daysEnv("LOAN_DURATION_DAYS", 14),
		RenewalDuration: daysEnv("RENEWAL_DURATION_DAYS", 14),
		MaxRenewals:     intEnv("MAX_RENEWALS", 2),
		Fine: FinePolicy{
			Tier1Days: intEnv("FINE_TIER1_DAYS", 7),
			Tier2Days: intEnv("FINE_TIER2_DAYS", 14),
			Rate1:     int64Env("FINE_RATE1", 5),
			Rate2:     int64Env("FINE_RATE2", 10),
			Rate3:     int64Env("FINE_RATE3", 15),
		},
		Bkash: Bkash{
			BaseURL:     getenv("BKASH_BASE_URL", "https://checkout.sandbox.bka.sh/v1.2.0-beta"),
			AppKey:      os.Getenv("BKASH_APP_KEY"),
			AppSecret:   os.Getenv("BKASH_APP_SECRET"),
			Username:    os.Getenv("BKASH_USERNAME"),
			Password:    os.Getenv("BKASH_PASSWORD"),
			CallbackURL: os.Getenv("BKASH_CALLBACK_URL"),
			Timeout:     durEnv("BKASH_TIMEOUT", 15*time.Second),
		},
	}

	if cfg.Fine.Tier1Days <= 0 || cfg.Fine.Tier2Days <= cfg.Fine.Tier1Days {
		return nil, fmt.Errorf("invalid fine tier boundaries: %d/%d", cfg.Fine.Tier1Days, cfg.Fine.Tier2Days)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func int64Env(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func daysEnv(key string, defDays int) time.Duration {
	return time.Duration(intEnv(key, defDays)) * 24 * time.Hour
}

func durEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
