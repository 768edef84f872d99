package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN      string `env:"DATABASE_DSN,required=true"`
	RedisURL         string `env:"REDIS_URL,required=true"`
	WebhookEndpoint  string `env:"WEBHOOK_ENDPOINT,required=true"`
	AdminAPIToken    string `env:"ADMIN_API_TOKEN"`
	HMACSecret       string `env:"HMAC_SECRET"`
	ScheduleTimezone string `env:"SCHEDULE_TIMEZONE,default=Europe/Istanbul"`
	BatchSize        int    `env:"BATCH_SIZE,default=8"`
	SendConcurrency  int    `env:"SEND_CONCURRENCY,default=3"`
	BatchDelayMS     int    `env:"BATCH_DELAY_MS,default=2000"`
	TriggerRateLimit int    `env:"TRIGGER_RATE_LIMIT,default=10"`
	CronEnabled      bool   `env:"CRON_ENABLED,default=true"`
	APIPort          int    `env:"API_PORT,default=8080"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.AdminAPIToken == "" && cfg.HMACSecret == "" {
		return nil, fmt.Errorf("at least one of ADMIN_API_TOKEN or HMAC_SECRET must be set")
	}
	return &cfg, nil
}

// BatchDelay converts the millisecond knob into a duration.
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}
