// Package config содержит логику чтения конфигурации сервиса стипендий.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса стипендий.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	VerifierAddress string `env:"VERIFIER_ADDRESS"`
	LedgerAddress   string `env:"LEDGER_ADDRESS"`

	ReviewerLogin    string `env:"REVIEWER_LOGIN"`
	ReviewerPassword string `env:"REVIEWER_PASSWORD"`

	PlatformFeePct float64 `env:"PLATFORM_FEE_PCT"`
	ReservePoolPct float64 `env:"RESERVE_POOL_PCT"`
	FixedDeduction float64 `env:"FIXED_DEDUCTION"`

	VerifierTimeout       time.Duration `env:"VERIFIER_TIMEOUT"`
	SettlementMaxAttempts int           `env:"SETTLEMENT_MAX_ATTEMPTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envVerifierAddress := cfg.VerifierAddress
	envLedgerAddress := cfg.LedgerAddress
	envReviewerLogin := cfg.ReviewerLogin
	envReviewerPassword := cfg.ReviewerPassword
	envPlatformFeePct := cfg.PlatformFeePct
	envReservePoolPct := cfg.ReservePoolPct
	envFixedDeduction := cfg.FixedDeduction
	envVerifierTimeout := cfg.VerifierTimeout
	envSettlementMaxAttempts := cfg.SettlementMaxAttempts

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.VerifierAddress, "r", "", "verification oracle address")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger service address")
	flag.StringVar(&cfg.ReviewerLogin, "reviewer-login", "reviewer", "reviewer login for manual overrides")
	flag.StringVar(&cfg.ReviewerPassword, "reviewer-password", "", "reviewer password for manual overrides")
	flag.Float64Var(&cfg.PlatformFeePct, "platform-fee", 0.05, "platform fee percentage [0,1]")
	flag.Float64Var(&cfg.ReservePoolPct, "reserve-fee", 0.02, "reserve pool fee percentage [0,1]")
	flag.Float64Var(&cfg.FixedDeduction, "fixed-deduction", 0, "fixed deduction per settlement")
	flag.DurationVar(&cfg.VerifierTimeout, "verifier-timeout", 30*time.Second, "bound for awaiting the verification oracle")
	flag.IntVar(&cfg.SettlementMaxAttempts, "settlement-attempts", 5, "max settlement attempts before failing")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envVerifierAddress != "" {
		cfg.VerifierAddress = envVerifierAddress
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}
	if envReviewerLogin != "" {
		cfg.ReviewerLogin = envReviewerLogin
	}
	if envReviewerPassword != "" {
		cfg.ReviewerPassword = envReviewerPassword
	}
	if envPlatformFeePct != 0 {
		cfg.PlatformFeePct = envPlatformFeePct
	}
	if envReservePoolPct != 0 {
		cfg.ReservePoolPct = envReservePoolPct
	}
	if envFixedDeduction != 0 {
		cfg.FixedDeduction = envFixedDeduction
	}
	if envVerifierTimeout != 0 {
		cfg.VerifierTimeout = envVerifierTimeout
	}
	if envSettlementMaxAttempts != 0 {
		cfg.SettlementMaxAttempts = envSettlementMaxAttempts
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.PlatformFeePct < 0 || cfg.PlatformFeePct > 1 {
		return nil, fmt.Errorf("platform fee percentage out of range: %v", cfg.PlatformFeePct)
	}
	if cfg.ReservePoolPct < 0 || cfg.ReservePoolPct > 1 {
		return nil, fmt.Errorf("reserve pool fee percentage out of range: %v", cfg.ReservePoolPct)
	}
	if cfg.FixedDeduction < 0 {
		return nil, fmt.Errorf("fixed deduction must not be negative: %v", cfg.FixedDeduction)
	}

	return cfg, nil
}
