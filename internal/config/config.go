// Package config содержит логику чтения конфигурации сервиса стейкинга.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultStoragePath    = "data/staking"
	defaultCustodyAddress = "0x0000000000007374616b696e672d6c6564676572"
	defaultSyncInterval   = 10 * time.Minute
	defaultRateLimit      = 50
)

// Config содержит параметры конфигурации сервиса стейкинга.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	StoragePath       string        `env:"STORAGE_PATH"`
	CustodyAddress    string        `env:"CUSTODY_ADDRESS"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	LedgerTimeAddress string        `env:"LEDGER_TIME_ADDRESS"`
	NTPServer         string        `env:"NTP_SERVER"`
	ClockSyncInterval time.Duration `env:"CLOCK_SYNC_INTERVAL"`
	RateLimit         int           `env:"RATE_LIMIT"`
}

// Custody возвращает адрес хранения средств леджера.
func (c *Config) Custody() common.Address {
	return common.HexToAddress(c.CustodyAddress)
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; embedded storage is used when empty")
	flag.StringVar(&cfg.StoragePath, "s", defaultStoragePath, "embedded storage directory")
	flag.StringVar(&cfg.CustodyAddress, "c", defaultCustodyAddress, "ledger custody address")
	flag.StringVar(&cfg.AuthSecret, "k", "", "auth cookie secret")
	flag.StringVar(&cfg.LedgerTimeAddress, "r", "", "ledger time service address")
	flag.StringVar(&cfg.NTPServer, "n", "", "NTP server")
	flag.DurationVar(&cfg.ClockSyncInterval, "i", defaultSyncInterval, "clock sync interval")
	flag.IntVar(&cfg.RateLimit, "l", defaultRateLimit, "requests per second per client, 0 disables")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = defaultStoragePath
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !common.IsHexAddress(c.CustodyAddress) || c.Custody() == (common.Address{}) {
		return fmt.Errorf("invalid custody address %q", c.CustodyAddress)
	}
	if c.ClockSyncInterval <= 0 {
		return errors.New("clock sync interval must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.LedgerTimeAddress != "" && c.NTPServer != "" {
		return errors.New("ledger time address and NTP server are mutually exclusive")
	}
	return nil
}
