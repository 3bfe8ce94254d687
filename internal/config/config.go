package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL   string `env:"DATABASE_URL,required"`
	JWTSecret     string `env:"JWT_SECRET,required"`
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`
	Port          int    `env:"PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv        string `env:"APP_ENV" envDefault:"production"`

	RatesFile string `env:"RATES_FILE" envDefault:"rates.yaml"`
	NATSURL   string `env:"NATS_URL"`

	TickIntervalS        int   `env:"TICK_INTERVAL_S" envDefault:"10"`
	RingTimeoutS         int   `env:"RING_TIMEOUT_S" envDefault:"60"`
	LowBalanceThreshold  int64 `env:"LOW_BALANCE_THRESHOLD" envDefault:"300"`
	LedgerRetryAttempts  int   `env:"LEDGER_RETRY_ATTEMPTS" envDefault:"3"`
	LedgerRetryInitialMs int   `env:"LEDGER_RETRY_INITIAL_MS" envDefault:"500"`

	RechargePollIntervalS int `env:"RECHARGE_POLL_INTERVAL_S" envDefault:"2"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalS) * time.Second
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutS) * time.Second
}

func (c *Config) LedgerRetryInitial() time.Duration {
	return time.Duration(c.LedgerRetryInitialMs) * time.Millisecond
}

func (c *Config) RechargePollInterval() time.Duration {
	return time.Duration(c.RechargePollIntervalS) * time.Second
}
